package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// DirectoryConfig configures the LDAP directory provider.
type DirectoryConfig struct {
	// URL is the directory address, e.g. ldaps://ldap.corp.example:636.
	URL string

	// BindDN and BindPassword are the service account used for the user
	// search. The user's own bind happens against the DN the search found.
	BindDN       string
	BindPassword string

	BaseDN string

	// UserFilter locates the user entry; %s is replaced with the escaped
	// username, e.g. "(&(objectClass=person)(uid=%s))".
	UserFilter string

	// GroupAttribute names the entry attribute carrying group DNs.
	GroupAttribute string

	// GroupRoleMap assigns roles from group names. Groups without a mapping
	// become teams only.
	GroupRoleMap map[string]string

	// ConnTimeout bounds dialing and every directory operation.
	ConnTimeout time.Duration

	// PoolSize caps idle pooled connections.
	PoolSize int
}

func (c *DirectoryConfig) applyDefaults() {
	if c.UserFilter == "" {
		c.UserFilter = "(uid=%s)"
	}
	if c.GroupAttribute == "" {
		c.GroupAttribute = "memberOf"
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 5 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
}

// DirectoryProvider verifies username/password credentials with a
// search-then-bind against an LDAP directory. The search-then-bind shape
// avoids DN injection: the username only ever appears as an escaped filter
// value, never spliced into a DN.
type DirectoryProvider struct {
	cfg  DirectoryConfig
	pool chan *ldap.Conn
	log  *slog.Logger
}

// NewDirectoryProvider creates the provider. Connections are dialed lazily.
func NewDirectoryProvider(cfg DirectoryConfig, log *slog.Logger) (*DirectoryProvider, error) {
	cfg.applyDefaults()
	if cfg.URL == "" || cfg.BaseDN == "" {
		return nil, newProviderError("directory", KindConfigurationError,
			fmt.Errorf("URL and BaseDN are required"))
	}
	return &DirectoryProvider{
		cfg:  cfg,
		pool: make(chan *ldap.Conn, cfg.PoolSize),
		log:  log,
	}, nil
}

// Name implements Provider.
func (p *DirectoryProvider) Name() string { return "directory" }

func (p *DirectoryProvider) getConn() (*ldap.Conn, error) {
	for {
		select {
		case conn := <-p.pool:
			if conn.IsClosing() {
				conn.Close()
				continue
			}
			return conn, nil
		default:
			conn, err := ldap.DialURL(p.cfg.URL,
				ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.ConnTimeout}))
			if err != nil {
				return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
			}
			conn.SetTimeout(p.cfg.ConnTimeout)
			return conn, nil
		}
	}
}

func (p *DirectoryProvider) putConn(conn *ldap.Conn) {
	if conn.IsClosing() {
		return
	}
	select {
	case p.pool <- conn:
	default:
		conn.Close()
	}
}

// Close drains the connection pool.
func (p *DirectoryProvider) Close() {
	for {
		select {
		case conn := <-p.pool:
			conn.Close()
		default:
			return
		}
	}
}

// Verify implements Provider.
func (p *DirectoryProvider) Verify(ctx context.Context, credential Credential) (*PrincipalAttributes, error) {
	if credential.Username == "" || credential.Password == "" {
		return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}

	conn, err := p.getConn()
	if err != nil {
		return nil, err
	}

	attrs, err := p.verifyOn(conn, credential)
	if err != nil {
		// The connection state after a failed sequence is unknown; drop it.
		conn.Close()
		return nil, err
	}
	p.putConn(conn)
	return attrs, nil
}

func (p *DirectoryProvider) verifyOn(conn *ldap.Conn, credential Credential) (*PrincipalAttributes, error) {
	if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, newProviderError(p.Name(), KindConfigurationError,
				fmt.Errorf("service account bind rejected"))
		}
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}

	filter := fmt.Sprintf(p.cfg.UserFilter, ldap.EscapeFilter(credential.Username))
	search := ldap.NewSearchRequest(
		p.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, int(p.cfg.ConnTimeout.Seconds()), false,
		filter,
		[]string{"dn", "cn", "mail", "uid", p.cfg.GroupAttribute},
		nil,
	)
	result, err := conn.Search(search)
	if err != nil {
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}
	if len(result.Entries) != 1 {
		// Zero matches and ambiguous matches fail identically.
		return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
	}
	entry := result.Entries[0]

	if err := conn.Bind(entry.DN, credential.Password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return nil, newProviderError(p.Name(), KindCredentialInvalid, nil)
		}
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}

	// Restore the service bind before the connection goes back to the pool.
	if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
		return nil, newProviderError(p.Name(), KindUpstreamUnreachable, err)
	}

	teams, roles := p.mapGroups(entry.GetAttributeValues(p.cfg.GroupAttribute))
	return &PrincipalAttributes{
		PrincipalID: "ldap:" + entry.GetAttributeValue("uid"),
		Kind:        "user",
		DisplayName: entry.GetAttributeValue("cn"),
		Email:       entry.GetAttributeValue("mail"),
		Roles:       roles,
		Teams:       teams,
		Attributes:  map[string]string{"dn": entry.DN},
	}, nil
}

// mapGroups extracts group names from DNs into teams, and translates mapped
// groups into roles.
func (p *DirectoryProvider) mapGroups(groupDNs []string) (teams, roles []string) {
	for _, dn := range groupDNs {
		name := groupNameFromDN(dn)
		if name == "" {
			continue
		}
		teams = append(teams, name)
		if role, ok := p.cfg.GroupRoleMap[name]; ok {
			roles = append(roles, role)
		}
	}
	return teams, roles
}

func groupNameFromDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return ""
	}
	for _, attr := range parsed.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, "cn") {
			return attr.Value
		}
	}
	return ""
}
