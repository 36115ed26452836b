// Package discovery advertises the relay on the local network so devices can
// find it without typing an address.
package discovery

import (
	"fmt"
	"strconv"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_promptrelay._tcp"
	Domain      = "local."
	caPath      = "/PromptRelay-CA.pem"
)

// TXTRecords describes where the HTTPS listener and the CA live. httpsPort
// is omitted when HTTPS is disabled.
func TXTRecords(httpsPort int, version string) []string {
	txt := []string{"ca=" + caPath}
	if httpsPort > 0 {
		txt = append([]string{"https_port=" + strconv.Itoa(httpsPort)}, txt...)
	}
	if version != "" {
		txt = append(txt, "version="+version)
	}
	return txt
}

type Advertiser struct {
	server *zeroconf.Server
	log    zerolog.Logger
}

// Advertise registers instance for the plain HTTP port on every interface.
func Advertise(instance string, httpPort, httpsPort int, version string, log zerolog.Logger) (*Advertiser, error) {
	txt := TXTRecords(httpsPort, version)
	server, err := zeroconf.Register(instance, ServiceType, Domain, httpPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	log = log.With().Str("component", "mdns").Logger()
	log.Info().
		Str("instance", instance).
		Str("service", ServiceType).
		Int("port", httpPort).
		Strs("txt", txt).
		Msg("advertised")
	return &Advertiser{server: server, log: log}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Debug().Msg("advertisement withdrawn")
}
