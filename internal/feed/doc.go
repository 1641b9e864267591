// Package feed is the push half of the feeder store.
//
// Every store writer publishes a Change after its transaction commits. A
// Change carries the full committed row, so subscribers replace rather than
// merge. Changes are addressed by Key, a (collection, field, value) filter,
// and each Key maps to one MQTT topic:
//
//	feeder/change/{collection}/{field}/{value}
//
// Registry shares one upstream subscription per Key between any number of
// local listeners and releases it when the last listener goes away. Within a
// Key, listeners see changes in commit order. Across Keys there is no
// ordering: a device update and the feeding event caused by the same command
// may arrive either way round.
package feed
