package channels

import "testing"

func TestBaseChannel_IsAllowed_EmptyAllowlistAdmitsEveryone(t *testing.T) {
	c := NewBaseChannel("telegram", nil, DMPolicyAllowlist, GroupPolicyOpen)
	if !c.IsAllowed("123456") {
		t.Fatal("expected empty allowlist to admit any sender")
	}
}

func TestBaseChannel_IsAllowed_MatchesByID(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123456"}, DMPolicyAllowlist, GroupPolicyOpen)
	if !c.IsAllowed("123456") {
		t.Fatal("expected bare id match")
	}
	if !c.IsAllowed("123456|alice") {
		t.Fatal("expected compound senderID to match on id part")
	}
	if c.IsAllowed("999999") {
		t.Fatal("expected unknown id to be rejected")
	}
}

func TestBaseChannel_IsAllowed_MatchesByUsername(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"@alice"}, DMPolicyAllowlist, GroupPolicyOpen)
	if !c.IsAllowed("123456|alice") {
		t.Fatal("expected compound senderID to match on username part")
	}
	if c.IsAllowed("123456|bob") {
		t.Fatal("expected different username to be rejected")
	}
}

func TestBaseChannel_IsAllowed_CompoundAllowlistEntry(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123456|alice"}, DMPolicyAllowlist, GroupPolicyOpen)
	if !c.IsAllowed("123456") {
		t.Fatal("expected bare id to match a compound allowlist entry's id part")
	}
	if !c.IsAllowed("alice") {
		t.Fatal("expected bare username to match a compound allowlist entry's username part")
	}
}

func TestBaseChannel_CheckPolicy_Disabled(t *testing.T) {
	c := NewBaseChannel("telegram", nil, DMPolicyDisabled, GroupPolicyDisabled)
	if c.CheckPolicy(false, "123456") {
		t.Fatal("expected disabled DM policy to reject")
	}
	if c.CheckPolicy(true, "123456") {
		t.Fatal("expected disabled group policy to reject")
	}
}

func TestBaseChannel_CheckPolicy_OpenAdmitsUnlisted(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"999999"}, DMPolicyOpen, GroupPolicyOpen)
	if !c.CheckPolicy(false, "123456") {
		t.Fatal("expected open DM policy to admit any sender regardless of allowlist")
	}
}

func TestBaseChannel_CheckPolicy_AllowlistDefersToIsAllowed(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123456"}, DMPolicyAllowlist, GroupPolicyAllowlist)
	if !c.CheckPolicy(false, "123456") {
		t.Fatal("expected allowlisted sender to pass")
	}
	if c.CheckPolicy(true, "999999") {
		t.Fatal("expected non-allowlisted sender to fail in group policy too")
	}
}

func TestBaseChannel_DefaultsToOpenWhenPolicyUnset(t *testing.T) {
	c := NewBaseChannel("telegram", nil, "", "")
	if !c.CheckPolicy(false, "anyone") || !c.CheckPolicy(true, "anyone") {
		t.Fatal("expected zero-value DMPolicy/GroupPolicy to default to open")
	}
}

func TestBaseChannel_SetPolicies_ReplacesAllowlistAndPolicy(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123456"}, DMPolicyAllowlist, GroupPolicyOpen)
	if c.IsAllowed("999999") {
		t.Fatal("expected 999999 to be rejected before SetPolicies")
	}

	c.SetPolicies([]string{"999999"}, DMPolicyAllowlist, GroupPolicyDisabled)

	if c.IsAllowed("123456") {
		t.Fatal("expected old allowlist entry to no longer match after SetPolicies")
	}
	if !c.IsAllowed("999999") {
		t.Fatal("expected new allowlist entry to match after SetPolicies")
	}
	if c.CheckPolicy(true, "999999") {
		t.Fatal("expected the new disabled group policy to reject")
	}
}

func TestBaseChannel_SetPolicies_EmptyPoliciesDefaultToOpen(t *testing.T) {
	c := NewBaseChannel("telegram", []string{"123456"}, DMPolicyDisabled, GroupPolicyDisabled)
	c.SetPolicies(nil, "", "")
	if !c.CheckPolicy(false, "anyone") || !c.CheckPolicy(true, "anyone") {
		t.Fatal("expected zero-value policies passed to SetPolicies to default to open")
	}
}

func TestIsInternalChannel(t *testing.T) {
	if !IsInternalChannel("cli") || !IsInternalChannel("system") {
		t.Fatal("expected cli and system to be internal channels")
	}
	if IsInternalChannel("telegram") {
		t.Fatal("expected telegram not to be an internal channel")
	}
}
