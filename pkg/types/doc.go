/*
Package types defines the shared data model for the Volute daemon.

Records defined here cross package boundaries: the durable registry record
(Mind, Variant), the inbound message shape posted by connectors (Message,
ContentPart), the per-mind routing configuration parsed from routes.json
(RouteConfig, Rule, SessionConfig, DeliverySpec, BatchSpec), cron schedules
(Schedule), sleep configuration and persisted sleep state (SleepConfig,
SleepState), and durable delivery_queue rows (QueuedMessage).

Home maps the daemon home directory to every well-known file path so that
the one-writer-per-file ownership rule has a single source of truth.

The JSON field names are wire format: connectors, the daemon HTTP API, and
the per-mind config files all share them. Changing a tag here is a protocol
change.
*/
package types
