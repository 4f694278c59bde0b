package review

import (
	"os"
	"strings"
	"testing"

	"legend/api/internal/store"
)

func cleanDeclaration(declType store.DeclarationType) store.DeathDeclaration {
	decl := store.DeathDeclaration{
		ID:      "decl-1",
		Type:    declType,
		Message: "Passed away peacefully on August 12th, confirmed by the family.",
	}
	if declType == store.DeclarationHard {
		decl.Evidence = &store.EvidenceRef{
			Hash:    "sha256:" + strings.Repeat("ab", 32),
			Locator: "evidence/decl-1/certificate.pdf",
			Mime:    "application/pdf",
		}
	}
	return decl
}

func TestCheckCleanSoftDeclarationPasses(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	result := checker.Check(cleanDeclaration(store.DeclarationSoft), CheckInput{TrusteeAccepted: true})

	if result.Outcome != store.AutomatedPass {
		t.Errorf("expected pass, got %s (risk %d, breach %s)", result.Outcome, result.RiskScore, result.BreachCode)
	}
	if result.RiskScore != 0 {
		t.Errorf("expected risk 0, got %d", result.RiskScore)
	}
	if result.BreachCode != BreachNone {
		t.Errorf("expected no breach, got %s", result.BreachCode)
	}
}

func TestCheckHardWithoutEvidenceFails(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	decl := cleanDeclaration(store.DeclarationHard)
	decl.Evidence = nil

	result := checker.Check(decl, CheckInput{TrusteeAccepted: true})
	if result.Outcome != store.AutomatedFail {
		t.Errorf("expected fail, got %s", result.Outcome)
	}
	if result.BreachCode != BreachNoEvidence {
		t.Errorf("expected %s, got %s", BreachNoEvidence, result.BreachCode)
	}
}

func TestCheckShortMessageFlags(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	decl := cleanDeclaration(store.DeclarationSoft)
	decl.Message = "died"

	result := checker.Check(decl, CheckInput{TrusteeAccepted: true})
	if result.Outcome != store.AutomatedFlag {
		t.Errorf("expected flag, got %s (risk %d)", result.Outcome, result.RiskScore)
	}
	if result.BreachCode != BreachShortMessage {
		t.Errorf("expected %s, got %s", BreachShortMessage, result.BreachCode)
	}
}

func TestCheckBannedPhrase(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	decl := cleanDeclaration(store.DeclarationSoft)
	decl.Message = "This is just a TEST DECLARATION, do not process."

	result := checker.Check(decl, CheckInput{TrusteeAccepted: true})
	if result.Outcome != store.AutomatedFlag {
		t.Errorf("expected flag, got %s (risk %d)", result.Outcome, result.RiskScore)
	}
	if result.BreachCode != BreachBannedPhrase {
		t.Errorf("expected %s, got %s", BreachBannedPhrase, result.BreachCode)
	}
}

func TestCheckAccumulatedBreachesFail(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	decl := cleanDeclaration(store.DeclarationSoft)
	decl.Message = "test"

	// Short message + repeated rejections + unaccepted trustee crosses the
	// fail threshold even though no single breach would.
	result := checker.Check(decl, CheckInput{RecentRejected: 5, TrusteeAccepted: false})
	if result.Outcome != store.AutomatedFail {
		t.Errorf("expected fail, got %s (risk %d)", result.Outcome, result.RiskScore)
	}
	if result.RiskScore > 100 {
		t.Errorf("risk score must be capped at 100, got %d", result.RiskScore)
	}
	if result.BreachCode != BreachShortMessage {
		t.Errorf("first breach should be kept, got %s", result.BreachCode)
	}
}

func TestCheckDeterministic(t *testing.T) {
	checker := NewChecker(DefaultPolicy())
	decl := cleanDeclaration(store.DeclarationHard)
	input := CheckInput{RecentRejected: 1, TrusteeAccepted: true}

	first := checker.Check(decl, input)
	second := checker.Check(decl, input)
	if first != second {
		t.Errorf("expected identical results, got %+v vs %+v", first, second)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	policy, err := LoadPolicy("/nonexistent/policy.yaml")
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if policy.FailThreshold != DefaultPolicy().FailThreshold {
		t.Errorf("expected default thresholds, got %+v", policy)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"
	content := "min_message_len: 3\nflag_threshold: 20\nfail_threshold: 60\n"
	if err := writeFile(t, path, content); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if policy.MinMessageLen != 3 || policy.FlagThreshold != 20 || policy.FailThreshold != 60 {
		t.Errorf("unexpected policy %+v", policy)
	}
	// Unset fields keep defaults.
	if policy.MaxMessageLen != DefaultPolicy().MaxMessageLen {
		t.Errorf("expected default max_message_len, got %d", policy.MaxMessageLen)
	}
}

func TestLoadPolicyRejectsInvertedThresholds(t *testing.T) {
	path := t.TempDir() + "/policy.yaml"
	if err := writeFile(t, path, "flag_threshold: 80\nfail_threshold: 40\n"); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Error("expected error for inverted thresholds, got nil")
	}
}

func writeFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o600)
}
