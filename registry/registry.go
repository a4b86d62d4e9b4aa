package registry

// An Instance is one network location serving an endpoint id.
type Instance struct {
	Addr   string
	Weight int    // Weight for load balancing
	Proto  string // Transport kind the address speaks: "udp" or "tcp"
}

// Registry publishes which addresses serve which endpoint ids, so emitters
// can find sinks without fixed addressing.
type Registry interface {
	Register(id uint16, instance Instance, ttl int64) error
	Deregister(id uint16, addr string) error
	Discover(id uint16) ([]Instance, error)
	Watch(id uint16) <-chan []Instance
}
