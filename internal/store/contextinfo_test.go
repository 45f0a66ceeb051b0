package store

import (
	"testing"

	"github.com/wojons/openchamber/internal/api"
)

func TestModelAndPermissionPerAgent(t *testing.T) {
	s := NewContextStore(NewBus())

	s.SetModel("s1", "build", ModelSelection{ProviderID: "p", ModelID: "m"})
	if _, ok := s.Model("s1", "plan"); ok {
		t.Fatal("model selection leaked across agents")
	}
	if sel, ok := s.Model("s1", "build"); !ok || sel.ModelID != "m" {
		t.Fatalf("model = %+v, %v", sel, ok)
	}

	if got := s.EditPermissionFor("s1", "build"); got != EditAsk {
		t.Fatalf("default edit permission = %v", got)
	}
	s.SetEditPermission("s1", "build", EditAllowed)
	if got := s.EditPermissionFor("s1", "build"); got != EditAllowed {
		t.Fatalf("edit permission = %v", got)
	}
	if got := s.EditPermissionFor("s1", "plan"); got != EditAsk {
		t.Fatal("permission leaked across agents")
	}
}

func TestDropClearsSelections(t *testing.T) {
	s := NewContextStore(NewBus())
	s.SetModel("s1", "build", ModelSelection{ProviderID: "p", ModelID: "m"})
	s.SetAgent("s1", "build")
	s.SetModel("s2", "build", ModelSelection{ProviderID: "p", ModelID: "m"})

	s.Drop("s1")
	if _, ok := s.Model("s1", "build"); ok {
		t.Fatal("model survived drop")
	}
	if got := s.Agent("s1"); got != "" {
		t.Fatalf("agent survived drop: %q", got)
	}
	if _, ok := s.Model("s2", "build"); !ok {
		t.Fatal("drop must not touch other sessions")
	}
}

func TestComputeUsage(t *testing.T) {
	s := NewContextStore(NewBus())
	s.SetModelCatalog([]api.Model{{ProviderID: "p", ModelID: "m", ContextLimit: 1000, OutputLimit: 100}})

	msgs := []api.Message{
		{Info: api.MessageInfo{ID: "m1", Role: api.RoleUser}},
		{Info: api.MessageInfo{
			ID: "m2", Role: api.RoleAssistant, ProviderID: "p", ModelID: "m",
			Tokens: &api.TokenUsage{Input: 100, Output: 50, Reasoning: 10, Cache: api.CacheUsage{Read: 30, Write: 10}},
		}},
		{Info: api.MessageInfo{ID: "m3", Role: api.RoleUser}},
	}

	usage := s.ComputeUsage("s1", "build", msgs)
	if usage.TotalTokens != 200 {
		t.Fatalf("total tokens = %d", usage.TotalTokens)
	}
	if usage.LastMessageID != "m2" {
		t.Fatalf("last message = %s", usage.LastMessageID)
	}
	if usage.ContextLimit != 1000 || usage.ThresholdLimit != 900 {
		t.Fatalf("limits = %d/%d", usage.ContextLimit, usage.ThresholdLimit)
	}
	if usage.Percentage != 20 {
		t.Fatalf("percentage = %v", usage.Percentage)
	}
}

func TestComputeUsageNoAssistantTokens(t *testing.T) {
	s := NewContextStore(NewBus())
	usage := s.ComputeUsage("s1", "build", []api.Message{
		{Info: api.MessageInfo{ID: "m1", Role: api.RoleUser}},
	})
	if usage.TotalTokens != 0 || usage.LastMessageID != "" {
		t.Fatalf("usage without token info = %+v", usage)
	}
}
