package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds accepted by Template.
const (
	KindConsole = "console"
	KindHV      = "hv"
	KindRC      = "rc"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindConsole:
		return consoleTemplate, nil
	case KindHV:
		return hvTemplate, nil
	case KindRC:
		return rcTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const securityTemplate = `
[security]
mode = "development"

[security.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
`

const consoleTemplate = `host = "*"
default_port = "/dev/ttyPS1"
attach_timeout = "10s"
command_timeout = "30s"

[classes.HV]
port = 8006
ping_timeout = "5s"

[classes.RC]
port = 8005
ping_timeout = "10s"
` + securityTemplate

const hvTemplate = `class = "HV"
console_address = "tcp://172.16.24.10:8006"
ping_interval = "2s"
ping_timeout = "5s"
command_idle_timeout = "0s"

[device]
simulate = true
port = "/dev/ttyPS1"
populated = [1, 2, 3, 4, 5, 6, 7]
fail_writes = []
` + securityTemplate

const rcTemplate = `class = "RC"
console_address = "tcp://172.16.24.10:8005"
ping_interval = "6s"
ping_timeout = "10s"
command_idle_timeout = "0s"

[device]
simulate = false
uio_path = "/dev/uio0"
` + securityTemplate
