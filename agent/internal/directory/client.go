// Package directory provides the LDAP client for the enterprise directory.
//
// # Operations
//
// - SearchUsers: filtered, paginated user listing for directory sync
// - GetUserByEmail / GetUserByDN: single-user lookup
// - GetSubordinates: direct reports by manager DN
// - Authenticate: credential verification via user bind
//
// Filtering for sync happens in two stages: the server-side search filter
// excludes disabled accounts, then email/department requirements are applied
// locally before pagination so that offset/limit index into the filtered set
// and page boundaries stay stable across a full sync.
package directory

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/orglink/bridge/pkg/types"
)

// accountDisabled is the userAccountControl bit for disabled accounts.
const accountDisabled = 0x2

// enabledUserFilter matches person objects whose account is not disabled.
const enabledUserFilter = "(&(objectClass=user)(objectCategory=person)(!(userAccountControl:1.2.840.113556.1.4.803:=2)))"

var searchAttributes = []string{
	"dn", "sAMAccountName", "userPrincipalName", "mail", "displayName",
	"givenName", "sn", "department", "title", "telephoneNumber", "mobile",
	"manager", "userAccountControl",
}

// Config holds directory connection settings.
type Config struct {
	URL          string // ldap:// or ldaps://
	BaseDN       string
	UsersOU      string // search base for sync; falls back to BaseDN
	BindUser     string
	BindPassword string
	SkipVerify   bool
}

// Client is a directory client bound with a service account.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *ldap.Conn
}

// NewClient creates a directory client. The connection is established lazily
// on first use and re-established on demand after errors.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "directory"),
	}
}

// SearchOptions control a SearchUsers call.
type SearchOptions struct {
	Offset            int
	Limit             int
	IncludePhoto      bool
	RequireEmail      bool
	RequireDepartment bool
}

// Connect dials the directory and binds the service account.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	if c.cfg.BindUser != "" {
		if err := conn.Bind(c.cfg.BindUser, c.cfg.BindPassword); err != nil {
			conn.Close()
			return fmt.Errorf("service bind: %w", err)
		}
	}

	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.logger.Info("connected to directory", "url", c.cfg.URL)
	return nil
}

func (c *Client) dial() (*ldap.Conn, error) {
	if strings.HasPrefix(c.cfg.URL, "ldaps://") {
		return ldap.DialURL(c.cfg.URL, ldap.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: c.cfg.SkipVerify,
		}))
	}
	conn, err := ldap.DialURL(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// Close releases the directory connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// search runs a request on the bound connection, connecting first if needed.
func (c *Client) search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosing() {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	sr, err := c.conn.Search(req)
	if err != nil {
		// One retry on a fresh connection; the bound conn may have idled out.
		if rerr := c.connectLocked(); rerr != nil {
			return nil, err
		}
		return c.conn.Search(req)
	}
	return sr, nil
}

// SearchUsers returns one page of the filtered directory.
func (c *Client) SearchUsers(opts SearchOptions) (*types.SyncUsersPage, error) {
	base := c.cfg.UsersOU
	if base == "" {
		base = c.cfg.BaseDN
	}

	attrs := searchAttributes
	if opts.IncludePhoto {
		attrs = append(append([]string{}, attrs...), "thumbnailPhoto")
	}

	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		enabledUserFilter,
		attrs,
		nil,
	)

	sr, err := c.search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search: %w", err)
	}

	users := make([]types.DirectoryUser, 0, len(sr.Entries))
	for _, entry := range sr.Entries {
		users = append(users, ParseEntry(entry, opts.IncludePhoto))
	}

	page := FilterAndPage(users, opts)
	c.logger.Info("directory page served",
		"offset", opts.Offset,
		"limit", opts.Limit,
		"returned", len(page.Users),
		"filtered_out", page.Stats.FilteredOut,
	)
	return page, nil
}

// GetUserByEmail looks up a single user by mail attribute.
func (c *Client) GetUserByEmail(email string) (*types.DirectoryUser, error) {
	filter := fmt.Sprintf("(&(objectClass=user)(mail=%s))", ldap.EscapeFilter(email))
	return c.getOne(c.cfg.BaseDN, filter)
}

// GetUserByDN looks up a single user by distinguished name.
func (c *Client) GetUserByDN(dn string) (*types.DirectoryUser, error) {
	return c.getOne(dn, "(objectClass=user)")
}

func (c *Client) getOne(base, filter string) (*types.DirectoryUser, error) {
	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		searchAttributes,
		nil,
	)

	sr, err := c.search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search: %w", err)
	}
	if len(sr.Entries) == 0 {
		return nil, fmt.Errorf("user not found")
	}

	user := ParseEntry(sr.Entries[0], false)
	return &user, nil
}

// GetSubordinates returns direct reports of the given manager.
func (c *Client) GetSubordinates(managerDN string) ([]types.DirectoryUser, error) {
	filter := fmt.Sprintf("(&(objectClass=user)(manager=%s))", ldap.EscapeFilter(managerDN))
	req := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		searchAttributes,
		nil,
	)

	sr, err := c.search(req)
	if err != nil {
		return nil, fmt.Errorf("directory search: %w", err)
	}

	users := make([]types.DirectoryUser, 0, len(sr.Entries))
	for _, entry := range sr.Entries {
		users = append(users, ParseEntry(entry, false))
	}
	return users, nil
}

// Authenticate verifies user credentials with a fresh user bind, then loads
// the user's directory entry over the authenticated connection.
//
// Several bind formats are attempted since deployments differ in which one
// their directory accepts.
func (c *Client) Authenticate(username, password string) (*types.DirectoryUser, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password required")
	}

	// Strip a DOMAIN\ prefix if present.
	if i := strings.LastIndex(username, `\`); i >= 0 {
		username = username[i+1:]
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	domain := domainFromDN(c.cfg.BaseDN)
	bindFormats := []string{
		username,
		fmt.Sprintf("%s@%s", username, domain),
		fmt.Sprintf("CN=%s,%s", username, c.cfg.BaseDN),
	}

	var bindErr error
	bound := false
	for _, bindUser := range bindFormats {
		if bindErr = conn.Bind(bindUser, password); bindErr == nil {
			bound = true
			break
		}
	}
	if !bound {
		return nil, fmt.Errorf("invalid credentials: %w", bindErr)
	}

	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		searchAttributes,
		nil,
	)

	sr, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("post-bind search: %w", err)
	}
	if len(sr.Entries) == 0 {
		// Bind succeeded but the entry is outside our search base; return
		// a minimal identity rather than failing the login.
		return &types.DirectoryUser{
			Login:   username,
			Name:    username,
			Email:   fmt.Sprintf("%s@%s", username, domain),
			Enabled: true,
		}, nil
	}

	user := ParseEntry(sr.Entries[0], false)
	return &user, nil
}

// ParseEntry converts an LDAP entry into the normalized DirectoryUser.
func ParseEntry(entry *ldap.Entry, includePhoto bool) types.DirectoryUser {
	login := entry.GetAttributeValue("sAMAccountName")
	user := types.DirectoryUser{
		DN:         entry.DN,
		Login:      login,
		Email:      entry.GetAttributeValue("mail"),
		UPN:        entry.GetAttributeValue("userPrincipalName"),
		Title:      entry.GetAttributeValue("title"),
		Department: entry.GetAttributeValue("department"),
		Phone:      entry.GetAttributeValue("telephoneNumber"),
		Mobile:     entry.GetAttributeValue("mobile"),
		ManagerDN:  entry.GetAttributeValue("manager"),
	}

	displayName := entry.GetAttributeValue("displayName")
	given := entry.GetAttributeValue("givenName")
	surname := entry.GetAttributeValue("sn")
	switch {
	case displayName != "":
		user.Name = displayName
	case given != "" && surname != "":
		user.Name = given + " " + surname
	default:
		user.Name = login
	}

	uac, err := strconv.Atoi(entry.GetAttributeValue("userAccountControl"))
	user.Enabled = err != nil || uac&accountDisabled == 0

	if includePhoto {
		if photo := entry.GetRawAttributeValue("thumbnailPhoto"); len(photo) > 0 {
			user.PhotoBase64 = base64.StdEncoding.EncodeToString(photo)
		}
	}

	return user
}

// FilterAndPage applies the email/department requirements to the full
// enabled-user list, computes aggregate stats over the whole set, and slices
// out the requested window of the filtered set.
func FilterAndPage(users []types.DirectoryUser, opts SearchOptions) *types.SyncUsersPage {
	stats := types.SyncStats{TotalInDirectory: len(users)}

	filtered := make([]types.DirectoryUser, 0, len(users))
	for _, u := range users {
		if u.Department != "" {
			stats.WithDepartment++
		} else {
			stats.WithoutDepartment++
		}

		if opts.RequireEmail && u.EmailKey() == "" {
			continue
		}
		if opts.RequireDepartment && u.Department == "" {
			continue
		}
		filtered = append(filtered, u)
	}
	stats.FilteredOut = len(users) - len(filtered)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	end := offset + limit
	if offset > len(filtered) {
		offset = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}

	return &types.SyncUsersPage{
		Users:   filtered[offset:end],
		Total:   len(filtered),
		HasMore: end < len(filtered),
		Stats:   stats,
	}
}

// domainFromDN derives a DNS domain from the DC components of a base DN,
// e.g. "OU=Staff,DC=corp,DC=example" yields "corp.example".
func domainFromDN(dn string) string {
	var parts []string
	for _, part := range strings.Split(dn, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToUpper(part), "DC=") {
			parts = append(parts, part[3:])
		}
	}
	if len(parts) == 0 {
		return "local"
	}
	return strings.Join(parts, ".")
}
