package directory

import (
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/orglink/bridge/pkg/types"
)

func fixtureUser(overrides ...func(*types.DirectoryUser)) types.DirectoryUser {
	u := types.DirectoryUser{
		DN:         "CN=Jane Doe,OU=Staff,DC=corp,DC=example",
		Name:       "Jane Doe",
		Email:      "jane.doe@corp.example",
		Login:      "jdoe",
		Title:      "Engineer",
		Department: "Engineering",
		Enabled:    true,
	}
	for _, o := range overrides {
		o(&u)
	}
	return u
}

func TestFilterAndPage_DepartmentFilter(t *testing.T) {
	// 10 users, 3 without a department.
	var users []types.DirectoryUser
	for i := 0; i < 10; i++ {
		i := i
		users = append(users, fixtureUser(func(u *types.DirectoryUser) {
			u.Email = fmt.Sprintf("user%d@corp.example", i)
			if i < 3 {
				u.Department = ""
			}
		}))
	}

	page := FilterAndPage(users, SearchOptions{
		Limit:             100,
		RequireEmail:      true,
		RequireDepartment: true,
	})

	if page.Stats.FilteredOut != 3 {
		t.Errorf("filtered_out = %d, want 3", page.Stats.FilteredOut)
	}
	if page.Total != 7 {
		t.Errorf("total = %d, want 7", page.Total)
	}
	if len(page.Users) != 7 {
		t.Errorf("returned %d users, want 7", len(page.Users))
	}
	if page.Stats.WithDepartment != 7 || page.Stats.WithoutDepartment != 3 {
		t.Errorf("department stats = %d/%d, want 7/3",
			page.Stats.WithDepartment, page.Stats.WithoutDepartment)
	}
}

func TestFilterAndPage_EmailFilter(t *testing.T) {
	users := []types.DirectoryUser{
		fixtureUser(),
		fixtureUser(func(u *types.DirectoryUser) { u.Email = "" }),
		fixtureUser(func(u *types.DirectoryUser) { u.Email = "  " }),
	}

	page := FilterAndPage(users, SearchOptions{Limit: 100, RequireEmail: true})
	if page.Total != 1 {
		t.Errorf("total = %d, want 1", page.Total)
	}
	if page.Stats.FilteredOut != 2 {
		t.Errorf("filtered_out = %d, want 2", page.Stats.FilteredOut)
	}
}

func TestFilterAndPage_PagesDoNotOverlap(t *testing.T) {
	var users []types.DirectoryUser
	for i := 0; i < 150; i++ {
		i := i
		users = append(users, fixtureUser(func(u *types.DirectoryUser) {
			u.Email = fmt.Sprintf("user%03d@corp.example", i)
		}))
	}

	first := FilterAndPage(users, SearchOptions{Offset: 0, Limit: 100, RequireEmail: true})
	second := FilterAndPage(users, SearchOptions{Offset: 100, Limit: 100, RequireEmail: true})

	if !first.HasMore {
		t.Error("first page should report has_more")
	}
	if second.HasMore {
		t.Error("second page should be the last")
	}
	if len(first.Users) != 100 || len(second.Users) != 50 {
		t.Fatalf("page sizes = %d/%d, want 100/50", len(first.Users), len(second.Users))
	}

	seen := make(map[string]bool)
	for _, u := range first.Users {
		seen[u.Email] = true
	}
	for _, u := range second.Users {
		if seen[u.Email] {
			t.Errorf("user %s appears on both pages", u.Email)
		}
	}
}

func TestFilterAndPage_OffsetPastEnd(t *testing.T) {
	users := []types.DirectoryUser{fixtureUser()}
	page := FilterAndPage(users, SearchOptions{Offset: 500, Limit: 100, RequireEmail: true})
	if len(page.Users) != 0 {
		t.Errorf("got %d users, want none", len(page.Users))
	}
	if page.HasMore {
		t.Error("has_more should be false past the end")
	}
}

func TestParseEntry(t *testing.T) {
	entry := ldap.NewEntry("CN=Jane Doe,OU=Staff,DC=corp,DC=example", map[string][]string{
		"sAMAccountName":     {"jdoe"},
		"mail":               {"jane.doe@corp.example"},
		"displayName":        {"Jane Doe"},
		"department":         {"Engineering"},
		"title":              {"Engineer"},
		"manager":            {"CN=Boss,OU=Staff,DC=corp,DC=example"},
		"userAccountControl": {"512"},
	})

	u := ParseEntry(entry, false)
	if u.Login != "jdoe" || u.Email != "jane.doe@corp.example" {
		t.Errorf("unexpected identity: %+v", u)
	}
	if u.Name != "Jane Doe" {
		t.Errorf("name = %q, want displayName", u.Name)
	}
	if u.ManagerDN != "CN=Boss,OU=Staff,DC=corp,DC=example" {
		t.Errorf("manager_dn = %q", u.ManagerDN)
	}
	if !u.Enabled {
		t.Error("uac 512 should be enabled")
	}
}

func TestParseEntry_DisabledAccount(t *testing.T) {
	entry := ldap.NewEntry("CN=Old Account,DC=corp,DC=example", map[string][]string{
		"sAMAccountName":     {"old"},
		"userAccountControl": {"514"}, // 512 | 2 (disabled)
	})

	if u := ParseEntry(entry, false); u.Enabled {
		t.Error("uac 514 should be disabled")
	}
}

func TestParseEntry_NameFallbacks(t *testing.T) {
	entry := ldap.NewEntry("CN=X,DC=corp,DC=example", map[string][]string{
		"sAMAccountName": {"xsmith"},
		"givenName":      {"Xavier"},
		"sn":             {"Smith"},
	})
	if u := ParseEntry(entry, false); u.Name != "Xavier Smith" {
		t.Errorf("name = %q, want given+surname fallback", u.Name)
	}

	entry = ldap.NewEntry("CN=Y,DC=corp,DC=example", map[string][]string{
		"sAMAccountName": {"ylogin"},
	})
	if u := ParseEntry(entry, false); u.Name != "ylogin" {
		t.Errorf("name = %q, want login fallback", u.Name)
	}
}

func TestDomainFromDN(t *testing.T) {
	if got := domainFromDN("OU=Staff,DC=corp,DC=example"); got != "corp.example" {
		t.Errorf("got %q", got)
	}
	if got := domainFromDN("OU=NoDomain"); got != "local" {
		t.Errorf("got %q, want fallback", got)
	}
}
