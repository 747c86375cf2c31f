// Package catalog wires the reference connectors into a registry.
package catalog

import (
	"fmt"
	"net/http"

	"github.com/bturcanu/toolmesh/pkg/connectors"
	"github.com/bturcanu/toolmesh/pkg/connectors/confluence"
	"github.com/bturcanu/toolmesh/pkg/connectors/jira"
	"github.com/bturcanu/toolmesh/pkg/connectors/slack"
)

// Register adds every built-in connector to reg. hc is shared by their vendor
// HTTP clients; nil uses each connector's default.
func Register(reg *connectors.Registry, hc *http.Client) error {
	for _, r := range []connectors.Registration{
		jira.New(hc),
		slack.New(hc),
		confluence.New(hc),
	} {
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("catalog.Register: %w", err)
		}
	}
	return nil
}
