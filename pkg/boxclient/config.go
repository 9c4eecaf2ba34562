package boxclient

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the telemetry poller based on flags. The source defaults
// to the vendor cloud; "local" switches to the Modbus TCP interface and
// "mock" runs against an in-memory box. boxID is the caller-registered box-id
// flag. Poll cadences come from runtime settings, not flags.
func Configured(boxID *string) *Poller {
	source := lflag.String("box-source", "cloud", "Telemetry source to use (available: cloud, local, mock)")
	baseURL := lflag.String("box-cloud-url", "https://portal.example-box.com", "Base URL of the vendor cloud portal")
	username := lflag.String("box-cloud-username", "", "Login email for the vendor cloud")
	password := lflag.String("box-cloud-password", "", "Login password for the vendor cloud")
	localAddr := lflag.String("box-local-addr", "192.168.1.50:502", "host:port of the local Modbus TCP interface")
	slaveID := lflag.Int("box-local-slave-id", 1, "Modbus slave ID of the Battery Box")

	p := &Poller{interval: defaultPollInterval, extendedInterval: minExtendedInterval}
	lflag.Do(func() {
		switch *source {
		case "cloud":
			p.client = NewCloud(*baseURL, *boxID, *username, *password)
		case "local":
			p.client = NewLocal(*localAddr, byte(*slaveID))
		case "mock":
			p.client = NewMock(defaultMockSnapshot())
		default:
			panic(fmt.Sprintf("unknown box source: %s", *source))
		}
	})
	return p
}
