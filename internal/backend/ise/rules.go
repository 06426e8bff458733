package ise

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"example.com/jit-scheduler/internal/backend"
	"example.com/jit-scheduler/internal/model"
)

type named struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type policySetList struct {
	Response []named `json:"response"`
}

type authorizationEntry struct {
	Rule named `json:"rule"`
}

type authorizationList struct {
	Response []authorizationEntry `json:"response"`
}

type networkDeviceSearch struct {
	SearchResult struct {
		Total     int     `json:"total"`
		Resources []named `json:"resources"`
	} `json:"SearchResult"`
}

// Condition mirrors the ISE policy condition schema.
type Condition struct {
	Link            *string     `json:"link"`
	ConditionType   string      `json:"conditionType"`
	IsNegate        bool        `json:"isNegate"`
	DictionaryName  string      `json:"dictionaryName,omitempty"`
	AttributeName   string      `json:"attributeName,omitempty"`
	Operator        string      `json:"operator,omitempty"`
	DictionaryValue *string     `json:"dictionaryValue"`
	AttributeValue  string      `json:"attributeValue,omitempty"`
	Children        []Condition `json:"children,omitempty"`
}

type Rule struct {
	Condition Condition `json:"condition"`
	Default   bool      `json:"default"`
	Name      string    `json:"name"`
	Rank      int       `json:"rank"`
	State     string    `json:"state"`
}

type authorizationRequest struct {
	Commands []string `json:"commands"`
	Profile  string   `json:"profile"`
	Rule     Rule     `json:"rule"`
}

func attribute(dictionary, attributeName, operator, value string) Condition {
	return Condition{
		ConditionType:  "ConditionAttributes",
		DictionaryName: dictionary,
		AttributeName:  attributeName,
		Operator:       operator,
		AttributeValue: value,
	}
}

// BuildRule renders the authorization rule granting the identity access to
// every subject address: LDAP given name and surname must match and the
// device address must be one of the subjects.
func BuildRule(ruleID string, subjects model.Subjects) Rule {
	first, last := splitName(subjects.Identity)
	children := []Condition{
		attribute("LLDAP", "givenname", "equals", first),
		attribute("LLDAP", "sn", "equals", last),
	}
	devices := make([]Condition, 0, len(subjects.Addresses))
	for _, addr := range subjects.Addresses {
		devices = append(devices, attribute("Network Access", "Device IP Address", "ipEquals", addr))
	}
	if len(devices) == 1 {
		children = append(children, devices[0])
	} else {
		children = append(children, Condition{ConditionType: "ConditionOrBlock", Children: devices})
	}
	return Rule{
		Condition: Condition{ConditionType: "ConditionAndBlock", Children: children},
		Name:      ruleID,
		Rank:      0,
		State:     "enabled",
	}
}

func splitName(id model.Identity) (string, string) {
	if id.FirstName != "" || id.LastName != "" {
		return id.FirstName, id.LastName
	}
	first, last, _ := strings.Cut(strings.TrimSpace(id.Name), " ")
	return first, strings.TrimSpace(last)
}

// VerifyPrerequisites resolves the policy set, shell profile and command sets
// every rule references and caches them for later calls.
func (c *Client) VerifyPrerequisites(ctx context.Context) error {
	var missing []string

	var sets policySetList
	if err := c.request(ctx, "list policy sets", http.MethodGet, c.openAPI("/policy/device-admin/policy-set"), nil, nil, &sets); err != nil {
		return err
	}
	policySetID := ""
	for _, ps := range sets.Response {
		if ps.Name == c.cfg.PolicySetName {
			policySetID = ps.ID
			break
		}
	}
	if policySetID == "" {
		missing = append(missing, fmt.Sprintf("policy set %q", c.cfg.PolicySetName))
	}

	var profiles []named
	if err := c.request(ctx, "list shell profiles", http.MethodGet, c.openAPI("/policy/device-admin/shell-profiles"), nil, nil, &profiles); err != nil {
		return err
	}
	if !slices.ContainsFunc(profiles, func(p named) bool { return p.Name == c.cfg.ShellProfileName }) {
		missing = append(missing, fmt.Sprintf("shell profile %q", c.cfg.ShellProfileName))
	}

	var commandSets []named
	if err := c.request(ctx, "list command sets", http.MethodGet, c.openAPI("/policy/device-admin/command-sets"), nil, nil, &commandSets); err != nil {
		return err
	}
	for _, want := range c.cfg.CommandSetNames {
		if !slices.ContainsFunc(commandSets, func(cs named) bool { return cs.Name == want }) {
			missing = append(missing, fmt.Sprintf("command set %q", want))
		}
	}

	if len(missing) > 0 {
		return &backend.PrerequisiteError{Missing: missing}
	}
	c.mu.Lock()
	c.policySetID = policySetID
	c.profile = c.cfg.ShellProfileName
	c.commandSets = slices.Clone(c.cfg.CommandSetNames)
	c.mu.Unlock()
	c.log.Info("ise prerequisites verified", "policy_set_id", policySetID, "shell_profile", c.cfg.ShellProfileName, "command_sets", c.cfg.CommandSetNames)
	return nil
}

func (c *Client) resolvedPolicySet(ctx context.Context) (string, error) {
	c.mu.RLock()
	id := c.policySetID
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	if err := c.VerifyPrerequisites(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policySetID, nil
}

// rules maps rule names to ISE ids for the managed policy set.
func (c *Client) rules(ctx context.Context) (map[string]string, error) {
	policySetID, err := c.resolvedPolicySet(ctx)
	if err != nil {
		return nil, err
	}
	var list authorizationList
	path := "/policy/device-admin/policy-set/" + url.PathEscape(policySetID) + "/authorization"
	if err := c.request(ctx, "list rules", http.MethodGet, c.openAPI(path), nil, nil, &list); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list.Response))
	for _, e := range list.Response {
		out[e.Rule.Name] = e.Rule.ID
	}
	return out, nil
}

func (c *Client) ListRules(ctx context.Context) ([]string, error) {
	rules, err := c.rules(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *Client) RuleExists(ctx context.Context, ruleID string) (bool, error) {
	rules, err := c.rules(ctx)
	if err != nil {
		return false, err
	}
	_, ok := rules[ruleID]
	return ok, nil
}

func (c *Client) CreateRule(ctx context.Context, ruleID string, subjects model.Subjects) error {
	rules, err := c.rules(ctx)
	if err != nil {
		return err
	}
	want := BuildRule(ruleID, subjects)
	if iseID, ok := rules[ruleID]; ok {
		return c.matchExisting(ctx, ruleID, iseID, want)
	}
	c.mu.RLock()
	body := authorizationRequest{
		Commands: slices.Clone(c.commandSets),
		Profile:  c.profile,
		Rule:     want,
	}
	policySetID := c.policySetID
	c.mu.RUnlock()

	path := "/policy/device-admin/policy-set/" + url.PathEscape(policySetID) + "/authorization"
	var created struct {
		Response authorizationEntry `json:"response"`
	}
	if err := c.request(ctx, "create rule", http.MethodPost, c.openAPI(path), nil, body, &created); err != nil {
		return err
	}
	c.log.Info("ise rule created", "rule_id", ruleID, "ise_id", created.Response.Rule.ID)
	return nil
}

// matchExisting accepts a rule that is already present only when it grants
// the same identity on the same addresses.
func (c *Client) matchExisting(ctx context.Context, ruleID, iseID string, want Rule) error {
	c.mu.RLock()
	policySetID := c.policySetID
	c.mu.RUnlock()
	path := "/policy/device-admin/policy-set/" + url.PathEscape(policySetID) + "/authorization/" + url.PathEscape(iseID)
	var got struct {
		Response struct {
			Rule Rule `json:"rule"`
		} `json:"response"`
	}
	if err := c.request(ctx, "get rule", http.MethodGet, c.openAPI(path), nil, nil, &got); err != nil {
		return err
	}
	have, expected := grantOf(got.Response.Rule.Condition), grantOf(want.Condition)
	if !have.equal(expected) {
		return &backend.Error{
			Op:  "create rule",
			Err: fmt.Errorf("rule %s already exists for %s on %v, want %s on %v", ruleID, have.name(), have.addresses, expected.name(), expected.addresses),
		}
	}
	c.log.Info("ise rule already present", "rule_id", ruleID, "ise_id", iseID)
	return nil
}

// grant is what a rule condition allows: one LDAP identity on a set of
// device addresses.
type grant struct {
	first, last string
	addresses   []string
}

func grantOf(cond Condition) grant {
	var g grant
	var walk func(Condition)
	walk = func(c Condition) {
		if c.ConditionType == "ConditionAttributes" {
			switch c.AttributeName {
			case "givenname":
				g.first = c.AttributeValue
			case "sn":
				g.last = c.AttributeValue
			case "Device IP Address":
				g.addresses = append(g.addresses, hostAddress(c.AttributeValue))
			}
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(cond)
	slices.Sort(g.addresses)
	g.addresses = slices.Compact(g.addresses)
	return g
}

// hostAddress drops a single-host prefix length ISE may echo back.
func hostAddress(v string) string {
	if p, err := netip.ParsePrefix(v); err == nil && p.IsSingleIP() {
		return p.Addr().String()
	}
	if a, err := netip.ParseAddr(v); err == nil {
		return a.String()
	}
	return v
}

func (g grant) equal(o grant) bool {
	return strings.EqualFold(g.first, o.first) && strings.EqualFold(g.last, o.last) && slices.Equal(g.addresses, o.addresses)
}

func (g grant) name() string { return strings.TrimSpace(g.first + " " + g.last) }

func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	rules, err := c.rules(ctx)
	if err != nil {
		return err
	}
	iseID, ok := rules[ruleID]
	if !ok {
		c.log.Info("ise rule already absent", "rule_id", ruleID)
		return nil
	}
	c.mu.RLock()
	policySetID := c.policySetID
	c.mu.RUnlock()
	path := "/policy/device-admin/policy-set/" + url.PathEscape(policySetID) + "/authorization/" + url.PathEscape(iseID)
	err = c.request(ctx, "delete rule", http.MethodDelete, c.openAPI(path), nil, nil, nil)
	var be *backend.Error
	if errors.As(err, &be) && be.Status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("ise rule deleted", "rule_id", ruleID, "ise_id", iseID)
	return nil
}

func (c *Client) DeviceExists(ctx context.Context, address string) (bool, error) {
	var search networkDeviceSearch
	q := url.Values{"filter": []string{"ipaddress.EQ." + address}}
	if err := c.request(ctx, "find network device", http.MethodGet, c.ers("/networkdevice"), q, nil, &search); err != nil {
		return false, err
	}
	return search.SearchResult.Total > 0, nil
}
