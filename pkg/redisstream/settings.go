package redisstream

// Settings holds the event bus transport configuration. With Enabled false the bus stays in
// process; with Enabled true exchange events go through Redis Streams so watchers attached to any
// relay process see them.
type Settings struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	// Group is empty for fan-out delivery, which is what session watchers need.
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	// MaxLen caps each stream with approximate trimming when > 0.
	MaxLen int64 `mapstructure:"max-len" validate:"gte=0"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled: false,
		Addr:    "localhost:6379",
		MaxLen:  10000,
	}
}
