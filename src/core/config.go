// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gobuffalo/envy"
	"github.com/gobuffalo/packr"
	"github.com/joho/godotenv"
)

// StaticResources holds the files shipped with the package.
var StaticResources = packr.NewBox("./resources")

// ErrInvalidConfiguration is returned when a loaded configuration is unusable.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time   TimeConfiguration
	Stream StreamConfiguration
	Device DeviceConfiguration
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int

	// EventPollDelay is the event loop period in milliseconds
	EventPollDelay int
}

// StreamConfiguration sizes the streaming buffers of the renderer
type StreamConfiguration struct {
	VertexCapacity  int
	IndexCapacity   int
	UniformCapacity int
	PreferCoherent  bool
	SlackFactor     int
}

// DeviceConfiguration selects the device the buffers live on
type DeviceConfiguration struct {
	Vulkan            bool
	DebugMode         bool
	PhysicalDevice    int
	DisablePersistent bool
}

type setting struct {
	key string
	set func(cfg *Configuration, value string) error
}

func intSetting(key string, field func(*Configuration) *int) setting {
	return setting{key, func(cfg *Configuration, value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}}
}

func boolSetting(key string, field func(*Configuration) *bool) setting {
	return setting{key, func(cfg *Configuration, value string) error {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(cfg) = v
		return nil
	}}
}

var settings = []setting{
	intSetting("KORU_FPS", func(c *Configuration) *int { return &c.Time.FramesPerSecond }),
	intSetting("KORU_EVENT_POLL_DELAY", func(c *Configuration) *int { return &c.Time.EventPollDelay }),
	intSetting("KORU_STREAM_VERTEX_CAPACITY", func(c *Configuration) *int { return &c.Stream.VertexCapacity }),
	intSetting("KORU_STREAM_INDEX_CAPACITY", func(c *Configuration) *int { return &c.Stream.IndexCapacity }),
	intSetting("KORU_STREAM_UNIFORM_CAPACITY", func(c *Configuration) *int { return &c.Stream.UniformCapacity }),
	boolSetting("KORU_STREAM_PREFER_COHERENT", func(c *Configuration) *bool { return &c.Stream.PreferCoherent }),
	intSetting("KORU_STREAM_SLACK_FACTOR", func(c *Configuration) *int { return &c.Stream.SlackFactor }),
	boolSetting("KORU_DEVICE_VULKAN", func(c *Configuration) *bool { return &c.Device.Vulkan }),
	boolSetting("KORU_DEVICE_DEBUG", func(c *Configuration) *bool { return &c.Device.DebugMode }),
	intSetting("KORU_DEVICE_INDEX", func(c *Configuration) *int { return &c.Device.PhysicalDevice }),
	boolSetting("KORU_DEVICE_DISABLE_PERSISTENT", func(c *Configuration) *bool { return &c.Device.DisablePersistent }),
}

// LoadConfiguration builds the configuration from the packaged defaults,
// then the .env style file at path if path is not empty, then the
// process environment. Later sources win.
func LoadConfiguration(path string) (Configuration, error) {
	defaults, err := StaticResources.FindString("defaults.env")
	if err != nil {
		return Configuration{}, fmt.Errorf("core: defaults: %s", err)
	}
	values, err := godotenv.Unmarshal(defaults)
	if err != nil {
		return Configuration{}, fmt.Errorf("core: defaults: %s", err)
	}

	if path != "" {
		overrides, err := godotenv.Read(path)
		if err != nil {
			return Configuration{}, fmt.Errorf("core: %s: %s", path, err)
		}
		for key, value := range overrides {
			values[key] = value
		}
	}

	var cfg Configuration
	for _, s := range settings {
		value := envy.Get(s.key, values[s.key])
		if err := s.set(&cfg, value); err != nil {
			return Configuration{}, fmt.Errorf("%w: %s=%q: %s", ErrInvalidConfiguration, s.key, value, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the values the renderer cannot run with.
func (c Configuration) Validate() error {
	switch {
	case c.Time.FramesPerSecond < 0:
		return fmt.Errorf("%w: negative frames per second", ErrInvalidConfiguration)
	case c.Time.EventPollDelay <= 0:
		return fmt.Errorf("%w: event poll delay must be positive", ErrInvalidConfiguration)
	case c.Stream.VertexCapacity <= 0, c.Stream.IndexCapacity <= 0, c.Stream.UniformCapacity <= 0:
		return fmt.Errorf("%w: stream capacities must be positive", ErrInvalidConfiguration)
	case c.Stream.SlackFactor < 1:
		return fmt.Errorf("%w: slack factor must be at least 1", ErrInvalidConfiguration)
	case c.Device.PhysicalDevice < 0:
		return fmt.Errorf("%w: negative device index", ErrInvalidConfiguration)
	}
	return nil
}
