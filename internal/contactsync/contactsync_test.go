package contactsync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/engagekit/engagesync/internal/engagement"
	"github.com/engagekit/engagesync/internal/fetcher"
	"github.com/engagekit/engagesync/internal/labeling"
)

func consentScheme() labeling.CodeScheme {
	return labeling.CodeScheme{
		SchemeID: "scheme-consent",
		Name:     "consent",
		Codes: []labeling.Code{
			{CodeID: "code-stop", StringValue: "stop", ControlCode: labeling.ControlCodeStop},
			{CodeID: "code-other", StringValue: "other"},
		},
	}
}

func testContactConfig(writeMode WriteMode) SyncConfig {
	return SyncConfig{
		WriteMode: writeMode,
		NormalDatasets: []DatasetConfig{
			{
				StoreDatasets: []string{"color", "color_followup"},
				ContactField:  ContactField{Key: "color_response", Label: "Color Response"},
			},
		},
		ConsentWithdrawnDataset: &DatasetConfig{
			StoreDatasets: []string{"optout"},
			ContactField:  ContactField{Key: "consent_withdrawn", Label: "Consent Withdrawn"},
		},
		ConsentCodeSchemes: []labeling.CodeScheme{consentScheme()},
	}
}

func activeMessage(id, participant, text, dataset string) engagement.Message {
	return engagement.Message{
		MessageID:       id,
		ParticipantUUID: participant,
		Text:            text,
		Status:          engagement.MessageStatusLive,
		Dataset:         dataset,
		Origin:          engagement.Origin{OriginID: "test." + id},
	}
}

func TestAggregateFieldsShowPresence(t *testing.T) {
	cfg := testContactConfig(WriteModeShowPresence)
	messages := map[string][]engagement.Message{
		"color":  {activeMessage("m1", "p1", "blue", "color")},
		"optout": {},
	}

	fields := AggregateFields(cfg, "p1", messages)
	if fields["color_response"] != PresenceValue {
		t.Fatalf("presence field %q, want %q", fields["color_response"], PresenceValue)
	}
	if fields["consent_withdrawn"] != "" {
		t.Fatalf("consent field %q, want empty", fields["consent_withdrawn"])
	}

	// A participant with no messages maps every field to empty.
	fields = AggregateFields(cfg, "p2", messages)
	if fields["color_response"] != "" {
		t.Fatalf("expected empty field for absent participant, got %q", fields["color_response"])
	}
}

func TestAggregateFieldsConcatenateTexts(t *testing.T) {
	cfg := testContactConfig(WriteModeConcatenateTexts)
	messages := map[string][]engagement.Message{
		"color":          {activeMessage("m1", "p1", "blue", "color")},
		"color_followup": {activeMessage("m2", "p1", "dark blue", "color_followup")},
	}

	fields := AggregateFields(cfg, "p1", messages)
	got := fields["color_response"]
	if !strings.Contains(got, "blue (color)") || !strings.Contains(got, "dark blue (color_followup)") {
		t.Fatalf("concatenated value missing annotated texts: %q", got)
	}
}

func TestAggregateFieldsConsentWithdrawn(t *testing.T) {
	cfg := testContactConfig(WriteModeShowPresence)
	stop := activeMessage("m1", "p1", "stop", "optout")
	stop.Labels = []engagement.Label{
		{SchemeID: "scheme-consent", CodeID: "code-stop", DateTimeUTC: time.Now().UTC(), Checked: true},
	}
	unchecked := activeMessage("m2", "p2", "stop", "optout")
	unchecked.Labels = []engagement.Label{
		{SchemeID: "scheme-consent", CodeID: "code-stop", DateTimeUTC: time.Now().UTC(), Checked: false},
	}
	messages := map[string][]engagement.Message{"optout": {stop, unchecked}}

	if got := AggregateFields(cfg, "p1", messages)["consent_withdrawn"]; got != "yes" {
		t.Fatalf("checked stop label not surfaced: %q", got)
	}
	// Unverified labels never withdraw consent on their own.
	if got := AggregateFields(cfg, "p2", messages)["consent_withdrawn"]; got != "" {
		t.Fatalf("unchecked stop label surfaced: %q", got)
	}
}

func TestSyncerWritesContactFields(t *testing.T) {
	store := engagement.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.SetMessage(ctx, activeMessage("m1", "p1", "blue", "color"), engagement.Provenance{Name: "test"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	messaging := NewMemoryMessaging()
	syncer := &Syncer{
		Fetcher:   &fetcher.Fetcher{Store: store},
		Messaging: messaging,
		Resolver:  PassthroughResolver,
		Config:    testContactConfig(WriteModeShowPresence),
	}

	stats, err := syncer.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if stats.Count(EventCreatedField) != 2 {
		t.Fatalf("expected both contact fields to be created, got %d", stats.Count(EventCreatedField))
	}
	if stats.Count(EventUpdatedContact) != 1 {
		t.Fatalf("expected 1 contact update, got %d", stats.Count(EventUpdatedContact))
	}

	fields := messaging.ContactFields("p1")
	if fields["color_response"] != PresenceValue {
		t.Fatalf("contact field %q, want presence value", fields["color_response"])
	}
	if _, present := fields["consent_withdrawn"]; present {
		t.Fatalf("empty consent field should be skipped when clearing is disallowed")
	}
}

func TestSyncerClearingPolicy(t *testing.T) {
	store := engagement.NewMemoryStore()
	ctx := context.Background()
	// The participant only has a consent message; the color field has no
	// contributing responses.
	stop := activeMessage("m1", "p1", "stop", "optout")
	stop.Labels = []engagement.Label{
		{SchemeID: "scheme-consent", CodeID: "code-stop", DateTimeUTC: time.Now().UTC(), Checked: true},
	}
	if _, err := store.SetMessage(ctx, stop, engagement.Provenance{Name: "test"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	cfg := testContactConfig(WriteModeShowPresence)
	cfg.AllowClearingFields = true
	messaging := NewMemoryMessaging()
	syncer := &Syncer{
		Fetcher:   &fetcher.Fetcher{Store: store},
		Messaging: messaging,
		Resolver:  PassthroughResolver,
		Config:    cfg,
	}

	if _, err := syncer.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	fields := messaging.ContactFields("p1")
	if got, present := fields["color_response"]; !present || got != "" {
		t.Fatalf("clearing enabled but field not blanked: %q (present=%v)", got, present)
	}
	if fields["consent_withdrawn"] != "yes" {
		t.Fatalf("consent field %q, want yes", fields["consent_withdrawn"])
	}
}

func TestSyncerDryRun(t *testing.T) {
	store := engagement.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.SetMessage(ctx, activeMessage("m1", "p1", "blue", "color"), engagement.Provenance{Name: "test"}, nil); err != nil {
		t.Fatalf("SetMessage failed: %v", err)
	}

	messaging := NewMemoryMessaging()
	syncer := &Syncer{
		Fetcher:   &fetcher.Fetcher{Store: store, DryRun: true},
		Messaging: messaging,
		Resolver:  PassthroughResolver,
		Config:    testContactConfig(WriteModeShowPresence),
		DryRun:    true,
	}

	if _, err := syncer.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if existing, _ := messaging.ListFields(ctx); len(existing) != 0 {
		t.Fatalf("dry run created contact fields: %v", existing)
	}
	if fields := messaging.ContactFields("p1"); len(fields) != 0 {
		t.Fatalf("dry run wrote contact fields: %v", fields)
	}
}

func TestSyncConfigValidate(t *testing.T) {
	cfg := testContactConfig(WriteModeShowPresence)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := testContactConfig("overwrite")
	if err := bad.Validate(); err == nil {
		t.Fatalf("unknown write mode accepted")
	}

	dup := testContactConfig(WriteModeShowPresence)
	dup.NormalDatasets = append(dup.NormalDatasets, dup.NormalDatasets[0])
	if err := dup.Validate(); err == nil {
		t.Fatalf("duplicate contact field accepted")
	}

	noSchemes := testContactConfig(WriteModeShowPresence)
	noSchemes.ConsentCodeSchemes = nil
	if err := noSchemes.Validate(); err == nil {
		t.Fatalf("consent dataset without schemes accepted")
	}
}
