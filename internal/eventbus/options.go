package eventbus

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
)

// DefaultPingInterval is how often a ping envelope is sent while open.
const DefaultPingInterval = 5 * time.Second

// Options configures a Client. The zero value of every field is replaced by
// its default in New.
type Options struct {
	// PingInterval between liveness envelopes. Default 5s.
	PingInterval time.Duration

	// DefaultHeaders are merged into every outbound envelope.
	DefaultHeaders map[string]string

	// OnOpen is called once the transport is open and the first ping is out.
	OnOpen func()
	// OnClose is called once the transport has closed.
	OnClose func()
	// OnError receives err frames nobody is waiting for and frames that
	// could not be decoded.
	OnError func(failure *kephasbus.Failure)

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *Metrics
}

// DefaultOptions returns options with every default filled in.
func DefaultOptions() *Options {
	return &Options{
		PingInterval: DefaultPingInterval,
		Logger:       zap.NewNop(),
		Clock:        clock.New(),
		Metrics:      NewMetrics(nil),
	}
}

func (o *Options) withDefaults() Options {
	out := *DefaultOptions()
	if o == nil {
		return out
	}

	if o.PingInterval > 0 {
		out.PingInterval = o.PingInterval
	}
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	if o.Clock != nil {
		out.Clock = o.Clock
	}
	if o.Metrics != nil {
		out.Metrics = o.Metrics
	}
	out.DefaultHeaders = o.DefaultHeaders
	out.OnOpen = o.OnOpen
	out.OnClose = o.OnClose
	out.OnError = o.OnError
	return out
}
