// Package billing implements metered subscription billing for organizations
// that pay per billable class (1 to 20 per organization) on monthly or annual
// cadences, reconciled against an external payment processor.
//
// The payment processor is the source of truth for money; this package is the
// source of truth for access. Webhooks carry the processor's state changes
// inward, and scheduled sweep jobs repair whatever the webhooks missed.
//
// # Architecture
//
//   - Subscription: entity with validated lifecycle transitions; all state
//     changes go through its methods
//   - PricingResolver: maps (plan, period, quantity) to a tiered price quote
//   - Service: subscription lifecycle (checkout, cancellation, portal access)
//   - QuantityChanger: mid-cycle class-count changes with proration; upgrades
//     are immediate, downgrades take effect at the next renewal
//   - Reconciler: applies verified webhook events idempotently
//   - Jobs / Runner: scheduled sweeps for staged downgrades, expired periods,
//     and trial-ending reminders
//   - PaymentGateway: processor abstraction; PaddleGateway is the production
//     implementation and also parses and verifies webhooks
//
// Persistence is behind small store interfaces with postgres (pgx) and
// in-memory implementations. Plans and pricing tiers load from a validated
// YAML catalog that can be seeded into postgres.
//
// # Quick Start
//
//	catalog, err := billing.LoadCatalog("plans.yaml")
//	gateway, err := billing.NewPaddleGateway(paddleCfg)
//	resolver := billing.NewPricingResolver(catalog, catalog, log)
//
//	reconciler := billing.NewReconciler(subs, invoices, catalog, gateway, publisher, log,
//		billing.WithDedupeStore(billing.NewRedisDedupeStore(rdb, 24*time.Hour)))
//
//	r.Mount("/webhooks/paddle", billing.NewWebhookHandler(gateway, reconciler, log).Router())
//	go billing.NewRunner(jobs, time.Hour, log).Run(ctx)
package billing
