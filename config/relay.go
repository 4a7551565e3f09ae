package config

import (
	"net/url"
	"strings"

	"meshrc/util"
)

// BaseHostPort returns host[:port] plus the tools path, without scheme.
func (c *Config) BaseHostPort() string {
	rest, _, _ := util.StripScheme(c.Server)
	rest = strings.TrimRight(rest, "/")
	if c.ToolsPath == "" {
		return rest
	}
	return rest + "/" + strings.Trim(c.ToolsPath, "/")
}

// WSScheme returns "ws" for plain http/ws servers and "wss" otherwise.
// A bare host defaults to wss.
func (c *Config) WSScheme() string {
	_, secure, ok := util.StripScheme(c.Server)
	if ok && !secure {
		return "ws"
	}
	return "wss"
}

// WSURL joins the server, tools path, path and query into a websocket URL.
func (c *Config) WSURL(path string, q url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := c.WSScheme() + "://" + c.BaseHostPort() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
