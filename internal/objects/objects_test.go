package objects

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/testutil"
)

type fixture struct {
	t   *testing.T
	ctx context.Context
	tx  *db.Tx
	api *API
	log *audit.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(testutil.TempDir(t), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := &audit.Buffer{}
	ctx := audit.WithNotifier(context.Background(), log)
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return &fixture{t: t, ctx: ctx, tx: tx, api: New(0), log: log}
}

func (f *fixture) template(name string) db.Host {
	f.t.Helper()
	h, err := f.api.Hosts.Create(f.ctx, f.tx, db.Host{Host: name, Status: db.HostTemplate}, []string{"Templates"})
	require.NoError(f.t, err)
	return h
}

func (f *fixture) host(name string) db.Host {
	f.t.Helper()
	h, err := f.api.Hosts.Create(f.ctx, f.tx, db.Host{Host: name, Status: db.HostMonitored, IP: "127.0.0.1", UseIP: true}, []string{"Linux servers"})
	require.NoError(f.t, err)
	return h
}

func (f *fixture) link(hostID, templateID int64) {
	f.t.Helper()
	_, err := f.tx.InsertTemplateLink(f.ctx, hostID, templateID)
	require.NoError(f.t, err)
}

func (f *fixture) item(hostID int64, key string, apps ...int64) db.Item {
	f.t.Helper()
	it, err := f.api.Items.Create(f.ctx, f.tx, db.Item{HostID: hostID, Name: key, Key: key, Delay: 60}, apps)
	require.NoError(f.t, err)
	return it
}

func (f *fixture) itemOn(hostID int64, key string) (db.Item, bool) {
	f.t.Helper()
	it, found, err := f.tx.ItemByKey(f.ctx, hostID, key)
	require.NoError(f.t, err)
	return it, found
}

func TestParseExpression(t *testing.T) {
	refs, err := ParseExpression("{Template OS:system.cpu.load[all,avg1].last(0)}>5 & {Template OS:agent.ping.nodata(300)}=1")
	require.NoError(t, err)
	assert.Equal(t, []FunctionRef{
		{Host: "Template OS", Key: "system.cpu.load[all,avg1]", Func: "last", Param: "0"},
		{Host: "Template OS", Key: "agent.ping", Func: "nodata", Param: "300"},
	}, refs)
	assert.Equal(t, "{Template OS:agent.ping.nodata(300)}", refs[1].String())

	_, err = ParseExpression("1=1")
	assert.True(t, errors.Is(err, apierr.ErrParameters))
}

func TestItemCreatePropagatesDownTheForest(t *testing.T) {
	f := newFixture(t)
	base := f.template("Template Base")
	os := f.template("Template OS")
	h := f.host("web01")
	f.link(os.ID, base.ID)
	f.link(h.ID, os.ID)

	it := f.item(base.ID, "agent.ping")

	mid, found := f.itemOn(os.ID, "agent.ping")
	require.True(t, found)
	assert.Equal(t, it.ID, mid.TemplateID)

	leaf, found := f.itemOn(h.ID, "agent.ping")
	require.True(t, found)
	assert.Equal(t, mid.ID, leaf.TemplateID)

	_, err := f.api.Items.Create(f.ctx, f.tx, db.Item{HostID: base.ID, Name: "dup", Key: "agent.ping"}, nil)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
}

func TestItemUpdateCascadesToCopies(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)
	it := f.item(tpl.ID, "agent.ping")

	it.Name = "Agent ping"
	it.Delay = 30
	require.NoError(t, f.api.Items.Update(f.ctx, f.tx, it, nil))

	leaf, _ := f.itemOn(h.ID, "agent.ping")
	assert.Equal(t, "Agent ping", leaf.Name)
	assert.Equal(t, 30, leaf.Delay)

	err := f.api.Items.Update(f.ctx, f.tx, leaf, nil)
	assert.True(t, errors.Is(err, apierr.ErrParameters), "inherited items are read only")
}

func TestItemSyncAdoptsManualItem(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	other := f.template("Template Other")
	h := f.host("web01")
	manual := f.item(h.ID, "agent.ping")
	tplItem := f.item(tpl.ID, "agent.ping")
	f.item(other.ID, "agent.ping")

	f.link(h.ID, tpl.ID)
	n, err := f.api.Items.Sync(f.ctx, f.tx, tpl.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	adopted, _ := f.itemOn(h.ID, "agent.ping")
	assert.Equal(t, manual.ID, adopted.ID)
	assert.Equal(t, tplItem.ID, adopted.TemplateID)

	f.link(h.ID, other.ID)
	_, err = f.api.Items.Sync(f.ctx, f.tx, other.ID, h.ID, db.FlagNormal)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Contains(t, err.Error(), "inherited from another template")
}

func TestItemDeleteRefusesInheritedWithoutClear(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)
	it := f.item(tpl.ID, "agent.ping")
	leaf, _ := f.itemOn(h.ID, "agent.ping")

	err := f.api.Items.Delete(f.ctx, f.tx, []int64{leaf.ID}, false)
	assert.True(t, errors.Is(err, apierr.ErrParameters))

	_, err = f.api.Triggers.Create(f.ctx, f.tx, db.Trigger{
		Description: "Agent down",
		Expression:  "{Template OS:agent.ping.nodata(300)}=1",
	})
	require.NoError(t, err)

	f.log.Reset()
	require.NoError(t, f.api.Items.Delete(f.ctx, f.tx, []int64{it.ID}, false))
	_, found := f.itemOn(h.ID, "agent.ping")
	assert.False(t, found, "copies go with the template item")

	triggers, err := f.tx.Triggers(f.ctx, db.TriggerFilter{})
	require.NoError(t, err)
	assert.Empty(t, triggers)
	assert.Contains(t, f.log.Messages(), `Deleted: Item "agent.ping" on "web01".`)
}

func TestApplicationSaveAndRename(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)

	app, err := f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: tpl.ID, Name: "CPU"})
	require.NoError(t, err)

	copyApp, found, err := f.tx.ApplicationByName(f.ctx, h.ID, "CPU")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, app.ID, copyApp.TemplateID)

	_, err = f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: tpl.ID, Name: "CPU"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	app.Name = "Processor"
	_, err = f.api.Applications.Update(f.ctx, f.tx, app)
	require.NoError(t, err)
	renamed, found, err := f.tx.ApplicationByName(f.ctx, h.ID, "Processor")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, copyApp.ID, renamed.ID)

	_, err = f.api.Applications.Update(f.ctx, f.tx, renamed)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
}

func TestApplicationPropagationReplacesManualDuplicate(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	manual, err := f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: h.ID, Name: "CPU"})
	require.NoError(t, err)
	it := f.item(h.ID, "system.cpu.load", manual.ID)
	_, err = f.api.WebScenarios.Create(f.ctx, f.tx,
		db.WebScenario{HostID: h.ID, Name: "Home page", ApplicationID: manual.ID, Delay: 60},
		[]db.WebStep{{Name: "index", URL: "http://localhost/"}})
	require.NoError(t, err)

	f.link(h.ID, tpl.ID)
	tplApp, err := f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: tpl.ID, Name: "CPU"})
	require.NoError(t, err)

	apps, err := f.tx.Applications(f.ctx, db.ApplicationFilter{HostIDs: []int64{h.ID}})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.NotEqual(t, manual.ID, apps[0].ID)
	assert.Equal(t, tplApp.ID, apps[0].TemplateID)

	appIDs, err := f.tx.ItemApplicationIDs(f.ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{apps[0].ID}, appIDs)

	ws, found, err := f.tx.WebScenarioByName(f.ctx, h.ID, "Home page")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, apps[0].ID, ws.ApplicationID)
}

func TestApplicationDeleteRefusesWhenUsedByWebScenario(t *testing.T) {
	f := newFixture(t)
	h := f.host("web01")
	app, err := f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: h.ID, Name: "Web"})
	require.NoError(t, err)
	_, err = f.api.WebScenarios.Create(f.ctx, f.tx,
		db.WebScenario{HostID: h.ID, Name: "Home page", ApplicationID: app.ID},
		[]db.WebStep{{Name: "index", URL: "http://localhost/"}})
	require.NoError(t, err)

	err = f.api.Applications.Delete(f.ctx, f.tx, []int64{app.ID}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Home page")
}

func TestTriggerPropagationAndExplode(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)
	f.item(tpl.ID, "agent.ping")

	trig, err := f.api.Triggers.Create(f.ctx, f.tx, db.Trigger{
		Description: "Agent down",
		Expression:  "{Template OS:agent.ping.nodata(300)}=1",
		Priority:    3,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^\{\d+\}=1$`, trig.Expression)

	copies, err := f.tx.Triggers(f.ctx, db.TriggerFilter{TemplateIDs: []int64{trig.ID}})
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, h.ID, copies[0].HostID)
	assert.Equal(t, 3, copies[0].Priority)

	exploded, err := f.api.Triggers.Explode(f.ctx, f.tx, copies[0])
	require.NoError(t, err)
	assert.Equal(t, "{web01:agent.ping.nodata(300)}=1", exploded)
}

func TestTriggerSkipsHostsMissingATemplate(t *testing.T) {
	f := newFixture(t)
	t1 := f.template("Template A")
	t2 := f.template("Template B")
	h := f.host("web01")
	f.item(t1.ID, "a.key")
	f.item(t2.ID, "b.key")
	f.link(h.ID, t1.ID)
	_, err := f.api.Items.Sync(f.ctx, f.tx, t1.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)

	_, err = f.api.Triggers.Create(f.ctx, f.tx, db.Trigger{
		Description: "Both",
		Expression:  "{Template A:a.key.last(0)}>0 & {Template B:b.key.last(0)}>0",
	})
	require.NoError(t, err)

	n, err := f.api.Triggers.Sync(f.ctx, f.tx, t1.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	assert.Zero(t, n, "template B is not linked")

	f.link(h.ID, t2.ID)
	_, err = f.api.Items.Sync(f.ctx, f.tx, t2.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	n, err = f.api.Triggers.Sync(f.ctx, f.tx, t1.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	onHost, err := f.tx.Triggers(f.ctx, db.TriggerFilter{HostIDs: []int64{h.ID}})
	require.NoError(t, err)
	require.Len(t, onHost, 1)
	exploded, err := f.api.Triggers.Explode(f.ctx, f.tx, onHost[0])
	require.NoError(t, err)
	assert.Equal(t, "{web01:a.key.last(0)}>0 & {web01:b.key.last(0)}>0", exploded)
}

func TestTriggerDependenciesFollowCopies(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.item(tpl.ID, "agent.ping")
	f.item(tpl.ID, "icmpping")
	down, err := f.api.Triggers.Create(f.ctx, f.tx, db.Trigger{Description: "Agent down", Expression: "{Template OS:agent.ping.nodata(300)}=1"})
	require.NoError(t, err)
	up, err := f.api.Triggers.Create(f.ctx, f.tx, db.Trigger{Description: "Host down", Expression: "{Template OS:icmpping.max(180)}=0"})
	require.NoError(t, err)
	require.NoError(t, f.api.Triggers.AddDependency(f.ctx, f.tx, down.ID, up.ID))
	assert.Error(t, f.api.Triggers.AddDependency(f.ctx, f.tx, up.ID, down.ID))

	f.link(h.ID, tpl.ID)
	_, err = f.api.Items.Sync(f.ctx, f.tx, tpl.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	_, err = f.api.Triggers.Sync(f.ctx, f.tx, tpl.ID, h.ID, db.FlagNormal)
	require.NoError(t, err)
	n, err := f.api.Triggers.SyncDependencies(f.ctx, f.tx, tpl.ID, h.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	downCopy, err := f.tx.Triggers(f.ctx, db.TriggerFilter{TemplateIDs: []int64{down.ID}})
	require.NoError(t, err)
	upCopy, err := f.tx.Triggers(f.ctx, db.TriggerFilter{TemplateIDs: []int64{up.ID}})
	require.NoError(t, err)
	deps, err := f.tx.Dependencies(f.ctx, []int64{downCopy[0].ID}, nil)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, upCopy[0].ID, deps[0].UpID)
}

func TestGraphPropagationMapsItemsByKey(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)
	load := f.item(tpl.ID, "system.cpu.load")
	util := f.item(tpl.ID, "system.cpu.util")

	g, err := f.api.Graphs.Create(f.ctx, f.tx, db.Graph{Name: "CPU", Width: 900, Height: 200, YMaxItemID: util.ID},
		[]db.GraphItem{{ItemID: load.ID, Color: "00AA00"}, {ItemID: util.ID, Color: "AA0000"}})
	require.NoError(t, err)

	copies, err := f.tx.Graphs(f.ctx, db.GraphFilter{TemplateIDs: []int64{g.ID}})
	require.NoError(t, err)
	require.Len(t, copies, 1)
	assert.Equal(t, h.ID, copies[0].HostID)

	hostUtil, _ := f.itemOn(h.ID, "system.cpu.util")
	assert.Equal(t, hostUtil.ID, copies[0].YMaxItemID)

	gitems, err := f.api.Graphs.Items(f.ctx, f.tx, copies[0].ID)
	require.NoError(t, err)
	require.Len(t, gitems, 2)
	assert.Equal(t, "00AA00", gitems[0].Color)

	// removing every series of a graph removes the graph
	require.NoError(t, f.api.Items.Delete(f.ctx, f.tx, []int64{load.ID, util.ID}, false))
	graphs, err := f.tx.Graphs(f.ctx, db.GraphFilter{})
	require.NoError(t, err)
	assert.Empty(t, graphs)
}

func TestDiscoveryRuleCascade(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template Net")
	h := f.host("router01")
	f.link(h.ID, tpl.ID)

	rule, err := f.api.Items.Create(f.ctx, f.tx, db.Item{HostID: tpl.ID, Name: "Interfaces", Key: "net.if.discovery", Flags: db.FlagDiscoveryRule}, nil)
	require.NoError(t, err)
	_, err = f.api.Items.Create(f.ctx, f.tx, db.Item{HostID: tpl.ID, Name: "In", Key: "net.if.in[{#IFNAME}]", Flags: db.FlagPrototype, RuleID: rule.ID}, nil)
	require.NoError(t, err)
	hp, err := f.api.HostPrototypes.Create(f.ctx, f.tx, db.HostPrototype{Host: "{#IFNAME}", RuleID: rule.ID},
		[]db.GroupPrototype{{Name: "Discovered {#IFNAME}"}})
	require.NoError(t, err)

	hostRule, found := f.itemOn(h.ID, "net.if.discovery")
	require.True(t, found)
	proto, found := f.itemOn(h.ID, "net.if.in[{#IFNAME}]")
	require.True(t, found)
	assert.Equal(t, hostRule.ID, proto.RuleID)

	hps, err := f.tx.HostPrototypes(f.ctx, db.HostPrototypeFilter{RuleIDs: []int64{hostRule.ID}})
	require.NoError(t, err)
	require.Len(t, hps, 1)
	assert.Equal(t, hp.ID, hps[0].TemplateID)
	gps, err := f.api.HostPrototypes.GroupPrototypes(f.ctx, f.tx, hps[0].ID)
	require.NoError(t, err)
	require.Len(t, gps, 1)
	assert.Equal(t, "Discovered {#IFNAME}", gps[0].Name)

	require.NoError(t, f.api.Items.Delete(f.ctx, f.tx, []int64{rule.ID}, false))
	left, err := f.tx.Items(f.ctx, db.ItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
	hps, err = f.tx.HostPrototypes(f.ctx, db.HostPrototypeFilter{})
	require.NoError(t, err)
	assert.Empty(t, hps)
}

func TestWebScenarioPropagationMapsApplication(t *testing.T) {
	f := newFixture(t)
	tpl := f.template("Template Web")
	h := f.host("web01")
	f.link(h.ID, tpl.ID)
	app, err := f.api.Applications.Create(f.ctx, f.tx, db.Application{HostID: tpl.ID, Name: "Web"})
	require.NoError(t, err)
	ws, err := f.api.WebScenarios.Create(f.ctx, f.tx, db.WebScenario{HostID: tpl.ID, Name: "Home page", ApplicationID: app.ID},
		[]db.WebStep{{Name: "index", URL: "http://localhost/"}, {Name: "login", URL: "http://localhost/login"}})
	require.NoError(t, err)

	hostApp, _, err := f.tx.ApplicationByName(f.ctx, h.ID, "Web")
	require.NoError(t, err)
	copyWS, found, err := f.tx.WebScenarioByName(f.ctx, h.ID, "Home page")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ws.ID, copyWS.TemplateID)
	assert.Equal(t, hostApp.ID, copyWS.ApplicationID)

	steps, err := f.api.WebScenarios.Steps(f.ctx, f.tx, copyWS.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[1].No)

	err = f.api.WebScenarios.Delete(f.ctx, f.tx, []int64{copyWS.ID}, false)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	require.NoError(t, f.api.WebScenarios.Delete(f.ctx, f.tx, []int64{copyWS.ID}, true))
	_, found, err = f.tx.WebScenarioByName(f.ctx, h.ID, "Home page")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHostCreateValidates(t *testing.T) {
	f := newFixture(t)
	f.host("web01")

	_, err := f.api.Hosts.Create(f.ctx, f.tx, db.Host{Host: "web01"}, []string{"Linux servers"})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	_, err = f.api.Hosts.Create(f.ctx, f.tx, db.Host{Host: "web02"}, nil)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	_, err = f.api.Hosts.Create(f.ctx, f.tx, db.Host{Host: " "}, []string{"x"})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Contains(t, f.log.Messages(), `Created: Host "web01".`)
}
