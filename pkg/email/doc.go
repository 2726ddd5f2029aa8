// Package email delivers transactional billing notifications (subscription
// activation, quantity changes) through Postmark, with a log-only sender for
// development.
package email
