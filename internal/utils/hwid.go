package utils

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// HWID identifies this machine to remotes. It is an app-scoped hash of the OS machine id,
// falling back to the hostname where no machine id is readable.
var HWID = hardwareID()

func hardwareID() string {
	if id, err := machineid.ProtectedID("syncq"); err == nil {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
