package main

import (
	"flag"
	"os"
	"strconv"
)

// config holds everything harvestupload needs to connect, register on the
// network, and start uploading files.
type config struct {
	serialPort string
	baudRate   int
	logLevel   string

	apn      string
	apnUser  string
	apnPass  string
	pdp      int
	model    string

	uploadHost string
	uploadPort int
	uploadPath string
	watchDir   string
}

// configOption mutates a config in place, applied in order by loadConfig.
type configOption func(*config) error

func loadConfig(opts ...configOption) (*config, error) {
	c := &config{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// withDefaults applies the values appropriate for a u-blox SARA-R410 on a
// typical USB-serial adapter.
func withDefaults() configOption {
	return func(c *config) error {
		c.serialPort = "/dev/ttyUSB0"
		c.baudRate = 115200
		c.logLevel = "info"
		c.apn = "soracom.io"
		c.apnUser = "sora"
		c.apnPass = "sora"
		c.pdp = 1
		c.model = "r410"
		c.uploadHost = "uni.soracom.io"
		c.uploadPort = 80
		c.uploadPath = "/"
		c.watchDir = "/data/outbox"
		return nil
	}
}

// withEnv overrides config values from the environment, following the
// HARVEST_ prefix convention.
func withEnv() configOption {
	return func(c *config) error {
		if v := os.Getenv("HARVEST_SERIAL_PORT"); v != "" {
			c.serialPort = v
		}
		if v := os.Getenv("HARVEST_BAUD_RATE"); v != "" {
			if b, err := strconv.Atoi(v); err == nil {
				c.baudRate = b
			}
		}
		if v := os.Getenv("HARVEST_LOG_LEVEL"); v != "" {
			c.logLevel = v
		}
		if v := os.Getenv("HARVEST_APN"); v != "" {
			c.apn = v
		}
		if v := os.Getenv("HARVEST_APN_USER"); v != "" {
			c.apnUser = v
		}
		if v := os.Getenv("HARVEST_APN_PASS"); v != "" {
			c.apnPass = v
		}
		if v := os.Getenv("HARVEST_PDP"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				c.pdp = p
			}
		}
		if v := os.Getenv("HARVEST_MODEL"); v != "" {
			c.model = v
		}
		if v := os.Getenv("HARVEST_UPLOAD_HOST"); v != "" {
			c.uploadHost = v
		}
		if v := os.Getenv("HARVEST_UPLOAD_PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				c.uploadPort = p
			}
		}
		if v := os.Getenv("HARVEST_UPLOAD_PATH"); v != "" {
			c.uploadPath = v
		}
		if v := os.Getenv("HARVEST_WATCH_DIR"); v != "" {
			c.watchDir = v
		}
		return nil
	}
}

// withFlags overrides config values from explicitly-set command-line
// flags, taking precedence over defaults and the environment.
func withFlags(fs *flag.FlagSet) configOption {
	return func(c *config) error {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "serial-port":
				c.serialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.baudRate = b
				}
			case "log-level":
				c.logLevel = f.Value.String()
			case "apn":
				c.apn = f.Value.String()
			case "apn-user":
				c.apnUser = f.Value.String()
			case "apn-pass":
				c.apnPass = f.Value.String()
			case "pdp":
				if p, err := strconv.Atoi(f.Value.String()); err == nil {
					c.pdp = p
				}
			case "model":
				c.model = f.Value.String()
			case "upload-host":
				c.uploadHost = f.Value.String()
			case "upload-port":
				if p, err := strconv.Atoi(f.Value.String()); err == nil {
					c.uploadPort = p
				}
			case "upload-path":
				c.uploadPath = f.Value.String()
			case "watch-dir":
				c.watchDir = f.Value.String()
			}
		})
		return nil
	}
}
