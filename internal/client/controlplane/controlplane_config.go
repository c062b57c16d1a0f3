package controlplane

const DefaultRateLimit = 10

// Config configures the local control plane server.
type Config struct {
	Addr      string // address to bind, host:port
	AuthToken string // bearer token required on /v1, empty disables auth
	RateLimit int64  // requests per second per client on /v1, zero uses DefaultRateLimit
}
