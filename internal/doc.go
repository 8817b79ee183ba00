// Package solarflux ingests photovoltaic telemetry and electricity market
// prices into a time series store.
//
// # Architecture
//
// Data flows through the packages in this order:
//   - collector: fetches raw points from the SolarEdge monitoring API, the
//     SolarEdge web portal, a SunSpec Modbus TCP inverter and the aWATTar
//     market data API
//   - cache: content-hash validated disk cache of upstream payloads, keyed by
//     source, endpoint and period
//   - quota: sliding-window request and byte budgets per source
//   - normalize: turns raw points into measurement/tags/field rows with
//     resolved categories, units and SunSpec scale factors
//   - router: routes rows to retention buckets and writes them in batches
//   - database, bus: TimescaleDB or InfluxDB sinks, optionally mirrored to
//     NATS, MQTT and Kafka
//   - scheduler: cron driven collection cycles per source
//   - api, grpc: admin HTTP endpoints and the gRPC health service
//
// # Caching
//
// Historical periods are fetched once and sealed. The current period is
// refetched after its TTL and only rewritten when the upstream content
// changed, which keeps heavily rate limited sources within their budget.
//
// Example Usage
//
//	solarflux -config config.yaml          # run as a service
//	solarflux -config config.yaml -once    # one cycle of every source
//
// For more information about specific packages, see their respective
// documentation.
package solarflux
