package am

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/stagee/errors"
)

const maskedValue = "********"

// Render returns the effective configuration as TOML with secrets masked.
func Render(c *Config) (string, error) {
	masked := *c
	masked.Redis.Password = mask(c.Redis.Password)
	masked.ObjectStore.AccessKey = mask(c.ObjectStore.AccessKey)
	masked.ObjectStore.SecretKey = mask(c.ObjectStore.SecretKey)

	masked.Auth.Tokens = make([]TokenConfig, len(c.Auth.Tokens))
	for i, tok := range c.Auth.Tokens {
		tok.Token = mask(tok.Token)
		masked.Auth.Tokens[i] = tok
	}

	out, err := toml.Marshal(masked)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal config")
	}
	return string(out), nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}
