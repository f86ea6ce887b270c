package config

import (
	"github.com/spf13/pflag"

	"alan3344/go-minicap-relay/internal/types"
)

// AddFlags 注册可覆盖配置文件的命令行参数
func AddFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to YAML config file")
	fs.String("listen", types.DefaultHTTPAddr, "HTTP listen address")
	fs.StringP("serial", "s", "", "adb device serial")
	fs.String("adb", "adb", "path to adb binary")
	fs.String("transport", "socket", "minicap stream transport: socket or stdout")
	fs.String("rotation", RotationADB, "rotation source: adb, nats or none")
	fs.String("nats-url", "", "NATS server URL (empty disables NATS)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
}

// ApplyFlags 只覆盖用户显式给出的参数，然后重新校验
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	if err := c.applyFlags(fs); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"listen", &c.Listen},
		{"serial", &c.ADB.Serial},
		{"adb", &c.ADB.Path},
		{"transport", &c.Capture.Transport},
		{"rotation", &c.Rotation.Source},
		{"nats-url", &c.NATS.URL},
		{"log-level", &c.Log.Level},
		{"log-format", &c.Log.Format},
	}
	for _, o := range overrides {
		if !fs.Changed(o.name) {
			continue
		}
		v, err := fs.GetString(o.name)
		if err != nil {
			return err
		}
		*o.dst = v
	}
	return nil
}
