// Package webhook implements the CloudEvents ingestion endpoint.
//
// The provider calls one URL per subscription:
//
//	/webhooks/{accountID}/{eventGroup}
//
// # Request Flow
//
// GET answers the registration challenge by echoing the challenge value,
// read from the X-Fic-Verification-Challenge header or query parameter, as
// {"verification": "<value>"}.
//
// POST carries a notification:
//
//  1. Source IP checked against the fixed-window limiter (429 when over)
//  2. Body size checked (413 when too large)
//  3. Event decoded in binary or structured mode (400 when malformed)
//  4. Active subscription looked up by route group, then by the group
//     inferred from the event type (404 when absent)
//  5. Bearer token verified against the event id and subject (401)
//  6. data.ids required to be non-empty (400)
//  7. One pending IngestedEvent recorded per resource id
//  8. One job enqueued with the normalized event (500 on failure)
//  9. 202 Accepted returned, then the Observer is told
//
// Nothing is retried here. The provider redelivers on non-2xx, and the
// dedup key keeps redeliveries from creating duplicate rows.
//
// # Example Usage
//
//	cfg, _ := webhook.FromGlobalConfig(globalCfg.Webhooks)
//	server := webhook.New(cfg, webhook.Deps{
//		Subscriptions: subStore,
//		Events:        eventStore,
//		Queue:         q,
//		Verifier:      verifier,
//		Observer:      hub,
//	}, logger)
//	if err := server.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package webhook
