package email

// Config holds email service configuration.
// Postmark tokens are optional so development environments can run with the
// dev sender; sender and support addresses are always required since they
// establish the sender identity and reply-to behavior of every message.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	SupportEmail         string `env:"SUPPORT_EMAIL,required"`
}
