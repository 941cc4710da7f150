package policy

import "testing"

func TestIsAllowedNilPolicy(t *testing.T) {
	r := NewResolver()
	if !r.IsAllowed(nil, "fs__read") {
		t.Fatal("nil policy should allow everything")
	}
}

func TestIsAllowedDenyWinsOverAllow(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Allow: []string{"*"}, Deny: []string{"fs__write"}}
	if r.IsAllowed(pol, "fs__write") {
		t.Fatal("deny should win over allow")
	}
	if !r.IsAllowed(pol, "fs__read") {
		t.Fatal("fs__read should be allowed")
	}
}

func TestIsAllowedWildcardPrefix(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Allow: []string{"fs__*"}}
	if !r.IsAllowed(pol, "fs__read") {
		t.Fatal("fs__read should match fs__*")
	}
	if r.IsAllowed(pol, "web__fetch") {
		t.Fatal("web__fetch should not match fs__*")
	}
}

func TestIsAllowedProfileFull(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Profile: ProfileFull}
	if !r.IsAllowed(pol, "anything") {
		t.Fatal("profile full should allow any tool not denied")
	}
}

func TestIsAllowedByServerOverride(t *testing.T) {
	r := NewResolver()
	pol := &Policy{
		Deny: []string{"*"},
		ByServer: map[string]*Policy{
			"fs": {Allow: []string{"*"}},
		},
	}
	if !r.IsAllowed(pol, "fs__read") {
		t.Fatal("fs server override should allow fs__read")
	}
	if r.IsAllowed(pol, "web__fetch") {
		t.Fatal("web__fetch should still be denied")
	}
}

func TestIsAllowedMinimalDefault(t *testing.T) {
	r := NewResolver()
	pol := &Policy{Profile: ProfileMinimal}
	if r.IsAllowed(pol, "fs__write") {
		t.Fatal("minimal profile with no allow list should deny")
	}
}
