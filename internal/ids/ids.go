// Package ids defines the opaque 128-bit identifiers shared across the
// connection core: ClientID, GatewayID, RelayID, ResourceID, and SiteID
// (§3). Each wraps a UUID — exactly 128 bits, created by the portal, and
// always compared by value.
package ids

import "github.com/google/uuid"

// ClientID identifies a connecting client.
type ClientID uuid.UUID

// GatewayID identifies a resource-side gateway.
type GatewayID uuid.UUID

// RelayID identifies a TURN relay server.
type RelayID uuid.UUID

// ResourceID identifies a routable resource (§4.8).
type ResourceID uuid.UUID

// SiteID identifies a site grouping gateways and resources.
type SiteID uuid.UUID

func (c ClientID) String() string   { return uuid.UUID(c).String() }
func (g GatewayID) String() string  { return uuid.UUID(g).String() }
func (r RelayID) String() string    { return uuid.UUID(r).String() }
func (r ResourceID) String() string { return uuid.UUID(r).String() }
func (s SiteID) String() string     { return uuid.UUID(s).String() }

func (c ClientID) MarshalText() ([]byte, error)   { return uuid.UUID(c).MarshalText() }
func (g GatewayID) MarshalText() ([]byte, error)  { return uuid.UUID(g).MarshalText() }
func (r RelayID) MarshalText() ([]byte, error)    { return uuid.UUID(r).MarshalText() }
func (r ResourceID) MarshalText() ([]byte, error) { return uuid.UUID(r).MarshalText() }
func (s SiteID) MarshalText() ([]byte, error)     { return uuid.UUID(s).MarshalText() }

func (c *ClientID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(c).UnmarshalText(b) }
func (g *GatewayID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(g).UnmarshalText(b) }
func (r *RelayID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(r).UnmarshalText(b) }
func (r *ResourceID) UnmarshalText(b []byte) error { return (*uuid.UUID)(r).UnmarshalText(b) }
func (s *SiteID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(s).UnmarshalText(b) }

func NewClientID() ClientID     { return ClientID(uuid.New()) }
func NewGatewayID() GatewayID   { return GatewayID(uuid.New()) }
func NewRelayID() RelayID       { return RelayID(uuid.New()) }
func NewResourceID() ResourceID { return ResourceID(uuid.New()) }
func NewSiteID() SiteID         { return SiteID(uuid.New()) }

func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	return ClientID(u), err
}

func ParseGatewayID(s string) (GatewayID, error) {
	u, err := uuid.Parse(s)
	return GatewayID(u), err
}

func ParseRelayID(s string) (RelayID, error) {
	u, err := uuid.Parse(s)
	return RelayID(u), err
}

func ParseResourceID(s string) (ResourceID, error) {
	u, err := uuid.Parse(s)
	return ResourceID(u), err
}

func ParseSiteID(s string) (SiteID, error) {
	u, err := uuid.Parse(s)
	return SiteID(u), err
}
