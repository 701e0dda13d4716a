package cloudflare

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/abuseguard/badasn/internal/config"
)

// FreeTierRuleQuota is how many custom firewall rules a free-tier zone may
// hold. The reconciler never claims more managed slots than this.
const FreeTierRuleQuota = 5

// managedRulePrefix names the rules this tool owns. Anything else in the
// ruleset is left strictly alone.
const managedRulePrefix = "Block-Bad-ASNs-Part-"

var managedRulePattern = regexp.MustCompile(`^Block-Bad-ASNs-Part-(\d+)$`)

// managedRuleName returns the description for managed slot part (1-based).
func managedRuleName(part int) string {
	return managedRulePrefix + strconv.Itoa(part)
}

// managedPart extracts the 1-based slot number from a rule description,
// or 0 when the rule is not managed.
func managedPart(description string) int {
	m := managedRulePattern.FindStringSubmatch(description)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ZoneResult summarizes reconciling one zone.
type ZoneResult struct {
	Created int
	Updated int
	// Unapplied counts desired expressions that did not fit in the zone's
	// managed-rule quota. They are reported, not an error.
	Unapplied int
	// Wrote reports whether the ruleset was pushed to Cloudflare.
	Wrote bool
	// Rules is the zone's ruleset after reconciliation.
	Rules []Rule
}

// Reconciler applies the desired block-rule expressions to zones.
type Reconciler struct {
	API   API
	Quota int
	Log   *slog.Logger
}

// NewReconciler returns a Reconciler with the free-tier quota.
func NewReconciler(api API, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{API: api, Quota: FreeTierRuleQuota, Log: log}
}

// SyncZone brings a zone's managed rules in line with expressions: missing
// rules are created (up to the quota), changed ones updated, unmanaged
// rules preserved in place after the managed block. Nothing is ever
// deleted. When the ruleset already matches, no write is issued.
func (r *Reconciler) SyncZone(ctx context.Context, zone config.ManagedZone, expressions []string) (*ZoneResult, error) {
	existing, err := r.API.GetEntrypoint(ctx, zone.ID)
	if err == ErrNoRuleset {
		return r.createRuleset(ctx, zone, expressions)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching ruleset for zone %q: %w", zone.Name, err)
	}

	managed, unmanaged := partitionRules(existing.Rules)
	res := &ZoneResult{}

	want := expressions
	if len(want) > r.Quota {
		res.Unapplied = len(want) - r.Quota
		want = want[:r.Quota]
	}

	desired := make([]Rule, 0, len(want)+len(unmanaged))
	for i, expr := range want {
		part := i + 1
		if prev, ok := managed[part]; ok {
			updated := prev
			updated.Expression = expr
			if !updated.Equal(prev) {
				res.Updated++
			}
			desired = append(desired, updated)
		} else {
			res.Created++
			desired = append(desired, Rule{
				Description: managedRuleName(part),
				Expression:  expr,
				Action:      "block",
				Enabled:     true,
			})
		}
	}
	// Managed rules beyond the desired count are kept as-is; shrinking the
	// list is an operator decision, not ours.
	for _, part := range sortedParts(managed) {
		if part > len(want) {
			desired = append(desired, managed[part])
		}
	}
	desired = append(desired, unmanaged...)

	if rulesEqual(desired, existing.Rules) {
		r.Log.Info("zone already in sync", "zone", zone.Name)
		res.Rules = existing.Rules
		return res, nil
	}

	updated, err := r.API.UpdateRuleset(ctx, zone.ID, existing.ID, desired)
	if err != nil {
		return nil, fmt.Errorf("updating ruleset for zone %q: %w", zone.Name, err)
	}
	res.Wrote = true
	res.Rules = updated.Rules
	r.Log.Info("zone synchronized", "zone", zone.Name,
		"created", res.Created, "updated", res.Updated, "unapplied", res.Unapplied)
	return res, nil
}

func (r *Reconciler) createRuleset(ctx context.Context, zone config.ManagedZone, expressions []string) (*ZoneResult, error) {
	res := &ZoneResult{}
	want := expressions
	if len(want) > r.Quota {
		res.Unapplied = len(want) - r.Quota
		want = want[:r.Quota]
	}
	rules := make([]Rule, 0, len(want))
	for i, expr := range want {
		rules = append(rules, Rule{
			Description: managedRuleName(i + 1),
			Expression:  expr,
			Action:      "block",
			Enabled:     true,
		})
	}
	created, err := r.API.CreateEntrypoint(ctx, zone.ID, rules)
	if err != nil {
		return nil, fmt.Errorf("creating ruleset for zone %q: %w", zone.Name, err)
	}
	res.Created = len(rules)
	res.Wrote = true
	res.Rules = created.Rules
	r.Log.Info("ruleset created", "zone", zone.Name, "rules", len(rules), "unapplied", res.Unapplied)
	return res, nil
}

// UpdateZone only refreshes the expressions of managed rules that already
// exist. No rules are created or reordered; a zone without a ruleset is
// skipped with a notice.
func (r *Reconciler) UpdateZone(ctx context.Context, zone config.ManagedZone, expressions []string) (*ZoneResult, error) {
	existing, err := r.API.GetEntrypoint(ctx, zone.ID)
	if err == ErrNoRuleset {
		r.Log.Info("no ruleset for zone, skipping in update-only mode", "zone", zone.Name)
		return &ZoneResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching ruleset for zone %q: %w", zone.Name, err)
	}

	res := &ZoneResult{}
	desired := make([]Rule, len(existing.Rules))
	copy(desired, existing.Rules)
	for i, rule := range desired {
		part := managedPart(rule.Description)
		if part < 1 || part > len(expressions) {
			continue
		}
		if expr := expressions[part-1]; expr != rule.Expression {
			desired[i].Expression = expr
			res.Updated++
		}
	}

	if res.Updated == 0 {
		r.Log.Info("all managed rules already up to date", "zone", zone.Name)
		res.Rules = existing.Rules
		return res, nil
	}

	updated, err := r.API.UpdateRuleset(ctx, zone.ID, existing.ID, desired)
	if err != nil {
		return nil, fmt.Errorf("updating ruleset for zone %q: %w", zone.Name, err)
	}
	res.Wrote = true
	res.Rules = updated.Rules
	r.Log.Info("managed rules updated", "zone", zone.Name, "updated", res.Updated)
	return res, nil
}

func partitionRules(rules []Rule) (managed map[int]Rule, unmanaged []Rule) {
	managed = make(map[int]Rule)
	for _, rule := range rules {
		if part := managedPart(rule.Description); part > 0 {
			managed[part] = rule
		} else {
			unmanaged = append(unmanaged, rule)
		}
	}
	return managed, unmanaged
}

func sortedParts(managed map[int]Rule) []int {
	parts := make([]int, 0, len(managed))
	for p := range managed {
		parts = append(parts, p)
	}
	sort.Ints(parts)
	return parts
}

func rulesEqual(a, b []Rule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ApplyResult summarizes an apply run across all managed zones.
type ApplyResult struct {
	ZonesProcessed int
	ZonesFailed    int
	Unapplied      int
	// ConfigChanged reports whether the zone snapshots in the config
	// need saving.
	ConfigChanged bool
}

// Apply reconciles every managed zone in cfg with the given expressions and
// refreshes the config's account/zone snapshots. A zone that fails is
// reported and skipped; the run continues with the remaining zones.
func (r *Reconciler) Apply(ctx context.Context, cfg *config.CF, expressions []string, updateOnly bool) (*ApplyResult, error) {
	managedIDs := cfg.ManagedZoneIDs()
	if len(managedIDs) == 0 {
		r.Log.Info("no managed zones configured, nothing to apply")
		return &ApplyResult{}, nil
	}

	accounts, err := r.API.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	res := &ApplyResult{}
	var newAccounts []config.AccountSnapshot
	var newManaged []config.ManagedZone

	for _, account := range accounts {
		r.Log.Info("processing account", "account", account.Name)
		snapshot := config.AccountSnapshot{ID: account.ID, Name: account.Name}

		zones, err := r.API.ListZones(ctx, account.ID)
		if err != nil {
			r.Log.Error("could not list zones for account", "account", account.Name, "err", err)
			newAccounts = append(newAccounts, snapshot)
			continue
		}

		for _, zone := range zones {
			if !managedIDs[zone.ID] {
				continue
			}
			mz := config.ManagedZone{
				ID:      zone.ID,
				Name:    zone.Name,
				Account: []config.AccountRef{{ID: account.ID, Name: account.Name}},
			}
			res.ZonesProcessed++

			var zr *ZoneResult
			if updateOnly {
				zr, err = r.UpdateZone(ctx, mz, expressions)
			} else {
				zr, err = r.SyncZone(ctx, mz, expressions)
			}
			if err != nil {
				r.Log.Error("zone reconciliation failed", "zone", zone.Name, "err", err)
				res.ZonesFailed++
				newManaged = append(newManaged, mz)
				continue
			}

			res.Unapplied += zr.Unapplied
			if zr.Wrote {
				res.ConfigChanged = true
			}
			if zr.Unapplied > 0 {
				r.Log.Warn("rule quota exhausted, expressions left unapplied",
					"zone", zone.Name, "unapplied", zr.Unapplied, "quota", r.Quota)
			}

			newManaged = append(newManaged, mz)
			snapshot.Zones = append(snapshot.Zones, config.ZoneSnapshot{
				ID:    zone.ID,
				Name:  zone.Name,
				Rules: toSnapshots(zr.Rules),
			})
		}
		newAccounts = append(newAccounts, snapshot)
	}

	prev := *cfg
	cfg.ManagedZones = newManaged
	cfg.Accounts = newAccounts
	cfg.SortSnapshots()
	if !res.ConfigChanged {
		res.ConfigChanged = !snapshotsEqual(&prev, cfg)
	}
	return res, nil
}

// Setup rebuilds cfg from live Cloudflare data: every visible account and
// zone becomes a snapshot, and every zone is listed as managed.
func (r *Reconciler) Setup(ctx context.Context, cfg *config.CF) error {
	accounts, err := r.API.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	cfg.ManagedZones = nil
	cfg.Accounts = nil
	for _, account := range accounts {
		r.Log.Info("discovered account", "account", account.Name)
		snapshot := config.AccountSnapshot{ID: account.ID, Name: account.Name}

		zones, err := r.API.ListZones(ctx, account.ID)
		if err != nil {
			r.Log.Error("could not list zones for account", "account", account.Name, "err", err)
			cfg.Accounts = append(cfg.Accounts, snapshot)
			continue
		}
		for _, zone := range zones {
			r.Log.Info("discovered zone", "zone", zone.Name)
			var ruleSnaps []config.RuleSnapshot
			rs, err := r.API.GetEntrypoint(ctx, zone.ID)
			switch {
			case err == ErrNoRuleset:
				// Zone has no custom firewall rules yet.
			case err != nil:
				r.Log.Error("could not fetch ruleset for zone", "zone", zone.Name, "err", err)
			default:
				ruleSnaps = toSnapshots(rs.Rules)
			}

			cfg.ManagedZones = append(cfg.ManagedZones, config.ManagedZone{
				ID:      zone.ID,
				Name:    zone.Name,
				Account: []config.AccountRef{{ID: account.ID, Name: account.Name}},
			})
			snapshot.Zones = append(snapshot.Zones, config.ZoneSnapshot{
				ID:    zone.ID,
				Name:  zone.Name,
				Rules: ruleSnaps,
			})
		}
		cfg.Accounts = append(cfg.Accounts, snapshot)
	}
	cfg.SortSnapshots()
	return nil
}

func toSnapshots(rules []Rule) []config.RuleSnapshot {
	snaps := make([]config.RuleSnapshot, len(rules))
	for i, rule := range rules {
		snaps[i] = config.RuleSnapshot{
			ID:          rule.ID,
			Description: rule.Description,
			Expression:  rule.Expression,
			Action:      rule.Action,
			Enabled:     rule.Enabled,
		}
	}
	return snaps
}

func snapshotsEqual(a, b *config.CF) bool {
	if len(a.ManagedZones) != len(b.ManagedZones) || len(a.Accounts) != len(b.Accounts) {
		return false
	}
	for i := range a.ManagedZones {
		az, bz := a.ManagedZones[i], b.ManagedZones[i]
		if az.ID != bz.ID || az.Name != bz.Name {
			return false
		}
	}
	for i := range a.Accounts {
		aa, ba := a.Accounts[i], b.Accounts[i]
		if aa.ID != ba.ID || aa.Name != ba.Name || len(aa.Zones) != len(ba.Zones) {
			return false
		}
		for j := range aa.Zones {
			if !zoneSnapshotEqual(aa.Zones[j], ba.Zones[j]) {
				return false
			}
		}
	}
	return true
}

func zoneSnapshotEqual(a, b config.ZoneSnapshot) bool {
	if a.ID != b.ID || a.Name != b.Name || len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if a.Rules[i] != b.Rules[i] {
			return false
		}
	}
	return true
}
