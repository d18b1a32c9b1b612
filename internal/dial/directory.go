package dial

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrNoEdgeRouters   = errors.New("no edge routers for service")
)

// EdgeRouter is one router a network session may be dialed through.
type EdgeRouter struct {
	Name string
	URL  string // ws:// or wss://
}

// NetworkSession authorises dialing one service via a set of edge routers.
type NetworkSession struct {
	Token       string
	EdgeRouters []EdgeRouter
}

// Service is what the directory knows about a dialable service.
type Service struct {
	ID                 string
	Name               string
	EncryptionRequired bool
	Session            NetworkSession
}

// ServiceDirectory resolves service names for Dial.
type ServiceDirectory interface {
	Service(ctx context.Context, name string) (Service, error)
}

// StaticDirectory is a ServiceDirectory backed by a fixed list.
type StaticDirectory struct {
	services map[string]Service
}

func NewStaticDirectory(services ...Service) *StaticDirectory {
	d := &StaticDirectory{services: make(map[string]Service, len(services))}
	for _, s := range services {
		d.services[s.Name] = s
	}
	return d
}

func (d *StaticDirectory) Service(_ context.Context, name string) (Service, error) {
	s, ok := d.services[name]
	if !ok {
		return Service{}, errors.Wrapf(ErrServiceNotFound, "%q", name)
	}
	return s, nil
}

// Names returns the service names in sorted order.
func (d *StaticDirectory) Names() []string {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
