package config

// BrokerKind selects the pub/sub transport implementation.
type BrokerKind string

const (
	// BrokerInproc is the in-process broker. Default; used by tests and
	// single-node deployments.
	BrokerInproc BrokerKind = "inproc"
	// BrokerPostgres persists published messages to Postgres and fans out
	// via NOTIFY, giving durable at-least-once delivery with catchup.
	BrokerPostgres BrokerKind = "postgres"
	// BrokerNATS rides a NATS connection. Transport only — durability comes
	// from the event store.
	BrokerNATS BrokerKind = "nats"
)

// IsValid checks if the broker kind is supported.
func (k BrokerKind) IsValid() bool {
	switch k {
	case BrokerInproc, BrokerPostgres, BrokerNATS:
		return true
	default:
		return false
	}
}
