package model

// GroupAll is the implicit group every user belongs to.
const GroupAll = "all"

// User is the identity record of the person running extractions. It comes
// from the external credential store and is read-only here.
type User struct {
	Username         string            `yaml:"username" json:"username"`
	Title            string            `yaml:"title" json:"title"`
	IsAdmin          bool              `yaml:"is_admin" json:"is_admin"`
	AuthorizedGroups []string          `yaml:"grp_authorized" json:"grp_authorized"`
	LoginMessage     string            `yaml:"login_message" json:"login_message"`
	CustomAttributes map[string]string `yaml:"attributes" json:"attributes"`
	UUID             string            `yaml:"uuid" json:"uuid"`
}

// Groups returns the user's authorized groups, always including the implicit
// "all" group.
func (u User) Groups() []string {
	for _, g := range u.AuthorizedGroups {
		if g == GroupAll {
			return u.AuthorizedGroups
		}
	}
	return append([]string{GroupAll}, u.AuthorizedGroups...)
}

// InGroup reports whether the user belongs to the given group.
func (u User) InGroup(group string) bool {
	if group == GroupAll {
		return true
	}
	for _, g := range u.AuthorizedGroups {
		if g == group {
			return true
		}
	}
	return false
}

// InAnyGroup reports whether the user belongs to at least one of the groups.
// An empty list means no restriction and always matches.
func (u User) InAnyGroup(groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if u.InGroup(g) {
			return true
		}
	}
	return false
}

// Attribute returns a custom attribute value, or "" when unset.
func (u User) Attribute(name string) string {
	if u.CustomAttributes == nil {
		return ""
	}
	return u.CustomAttributes[name]
}
