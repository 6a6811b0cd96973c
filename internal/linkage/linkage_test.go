package linkage

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/lock"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *db.DB
	svc   *Service
	sink  *audit.Buffer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "linkage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := &audit.Buffer{}
	if opts.Sink == nil {
		opts.Sink = sink
	}
	return &fixture{t: t, ctx: context.Background(), store: store, svc: NewService(store, opts), sink: sink}
}

// write runs fn in a committed transaction outside the service.
func (f *fixture) write(fn func(ctx context.Context, tx *db.Tx)) {
	f.t.Helper()
	ctx := audit.WithNotifier(f.ctx, audit.Discard)
	require.NoError(f.t, f.store.WithTx(ctx, func(tx *db.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (f *fixture) read(fn func(ctx context.Context, tx *db.Tx)) {
	f.t.Helper()
	require.NoError(f.t, f.svc.View(f.ctx, func(ctx context.Context, tx *db.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func (f *fixture) newHost(name string, status db.HostStatus, group string) db.Host {
	f.t.Helper()
	var h db.Host
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		h, err = f.svc.API().Hosts.Create(ctx, tx, db.Host{Host: name, Status: status}, []string{group})
		require.NoError(f.t, err)
	})
	return h
}

func (f *fixture) template(name string) db.Host {
	return f.newHost(name, db.HostTemplate, "Templates")
}

func (f *fixture) host(name string) db.Host {
	return f.newHost(name, db.HostMonitored, "Linux servers")
}

func (f *fixture) item(hostID int64, key string, apps ...int64) db.Item {
	f.t.Helper()
	var it db.Item
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		it, err = f.svc.API().Items.Create(ctx, tx, db.Item{HostID: hostID, Name: key, Key: key, Delay: 60}, apps)
		require.NoError(f.t, err)
	})
	return it
}

func (f *fixture) trigger(description, expression string) db.Trigger {
	f.t.Helper()
	var tr db.Trigger
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		tr, err = f.svc.API().Triggers.Create(ctx, tx, db.Trigger{Description: description, Expression: expression, Priority: 3})
		require.NoError(f.t, err)
	})
	return tr
}

func (f *fixture) count(query string, args ...any) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.store.QueryRowContext(f.ctx, query, args...).Scan(&n))
	return n
}

func (f *fixture) links() int {
	return f.count(`SELECT COUNT(*) FROM hosts_templates`)
}

func (f *fixture) itemOn(hostID int64, key string) (db.Item, bool) {
	f.t.Helper()
	var (
		it    db.Item
		found bool
	)
	f.read(func(ctx context.Context, tx *db.Tx) {
		var err error
		it, found, err = tx.ItemByKey(ctx, hostID, key)
		require.NoError(f.t, err)
	})
	return it, found
}

func TestLinkRejectsCycles(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.template("Template A")
	b := f.template("Template B")
	c := f.template("Template C")

	_, err := f.svc.Link(f.ctx, []int64{a.ID}, []int64{b.ID})
	require.NoError(t, err)
	_, err = f.svc.Link(f.ctx, []int64{b.ID}, []int64{c.ID})
	require.NoError(t, err)

	_, err = f.svc.Link(f.ctx, []int64{c.ID}, []int64{a.ID})
	assert.True(t, errors.Is(err, apierr.ErrCircular))
	assert.True(t, errors.Is(err, apierr.ErrParameters))

	_, err = f.svc.Link(f.ctx, []int64{a.ID}, []int64{a.ID})
	assert.True(t, errors.Is(err, apierr.ErrCircular))

	assert.Equal(t, 2, f.links())
}

func TestLinkValidatesTemplatesAndTargets(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")
	other := f.host("web02")

	_, err := f.svc.Link(f.ctx, []int64{other.ID}, []int64{h.ID})
	assert.True(t, errors.Is(err, apierr.ErrParameters))

	_, err = f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{9999})
	assert.True(t, errors.Is(err, apierr.ErrPermission))
	assert.Equal(t, apierr.PermissionMessage, err.Error())

	_, err = f.svc.Link(f.ctx, nil, []int64{h.ID})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Zero(t, f.links())
}

func TestLinkIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.item(tpl.ID, "agent.ping")

	res, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)
	assert.Equal(t, []Pair{{HostID: h.ID, TemplateID: tpl.ID}}, res.Created)
	assert.NotEmpty(t, res.OperationID)

	res, err = f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	assert.Equal(t, 1, f.links())
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM items WHERE hostid = ?`, h.ID))
}

func TestLinkPropagatesEveryKind(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")

	var app db.Application
	f.write(func(ctx context.Context, tx *db.Tx) {
		api := f.svc.API()
		var err error
		app, err = api.Applications.Create(ctx, tx, db.Application{HostID: tpl.ID, Name: "CPU"})
		require.NoError(t, err)
		load, err := api.Items.Create(ctx, tx, db.Item{HostID: tpl.ID, Name: "Load", Key: "system.cpu.load", Delay: 60}, []int64{app.ID})
		require.NoError(t, err)
		_, err = api.Items.Create(ctx, tx, db.Item{HostID: tpl.ID, Name: "Ping", Key: "agent.ping", Delay: 60}, nil)
		require.NoError(t, err)
		rule, err := api.Items.Create(ctx, tx, db.Item{HostID: tpl.ID, Name: "Interfaces", Key: "net.if.discovery", Delay: 3600, Flags: db.FlagDiscoveryRule}, nil)
		require.NoError(t, err)
		proto, err := api.Items.Create(ctx, tx, db.Item{HostID: tpl.ID, Name: "In", Key: "net.if.in[{#IFNAME}]", Delay: 60, Flags: db.FlagPrototype, RuleID: rule.ID}, nil)
		require.NoError(t, err)
		_, err = api.HostPrototypes.Create(ctx, tx, db.HostPrototype{Host: "{#VM.NAME}", RuleID: rule.ID}, []db.GroupPrototype{{Name: "VMs {#VM.NAME}"}})
		require.NoError(t, err)

		high, err := api.Triggers.Create(ctx, tx, db.Trigger{Description: "High load", Expression: "{Template OS:system.cpu.load.last(0)}>5", Priority: 3})
		require.NoError(t, err)
		down, err := api.Triggers.Create(ctx, tx, db.Trigger{Description: "Agent down", Expression: "{Template OS:agent.ping.nodata(300)}=1", Priority: 4})
		require.NoError(t, err)
		require.NoError(t, api.Triggers.AddDependency(ctx, tx, high.ID, down.ID))
		_, err = api.Triggers.Create(ctx, tx, db.Trigger{Description: "Traffic on {#IFNAME}", Expression: "{Template OS:net.if.in[{#IFNAME}].last(0)}>100", Flags: db.FlagPrototype})
		require.NoError(t, err)

		_, err = api.Graphs.Create(ctx, tx, db.Graph{Name: "CPU load", Width: 900, Height: 200}, []db.GraphItem{{ItemID: load.ID, Color: "00AA00"}})
		require.NoError(t, err)
		_, err = api.Graphs.Create(ctx, tx, db.Graph{Name: "Traffic {#IFNAME}", Width: 900, Height: 200, Flags: db.FlagPrototype}, []db.GraphItem{{ItemID: proto.ID, Color: "0000AA"}})
		require.NoError(t, err)
		_, err = api.WebScenarios.Create(ctx, tx, db.WebScenario{HostID: tpl.ID, Name: "Home page", ApplicationID: app.ID, Delay: 60},
			[]db.WebStep{{Name: "index", URL: "http://localhost/"}})
		require.NoError(t, err)
	})

	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)

	f.read(func(ctx context.Context, tx *db.Tx) {
		apps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: []int64{h.ID}})
		require.NoError(t, err)
		require.Len(t, apps, 1)
		assert.Equal(t, app.ID, apps[0].TemplateID)

		items, err := tx.Items(ctx, db.ItemFilter{HostIDs: []int64{h.ID}, Inherited: true})
		require.NoError(t, err)
		assert.Len(t, items, 4)

		load, found, err := tx.ItemByKey(ctx, h.ID, "system.cpu.load")
		require.NoError(t, err)
		require.True(t, found)
		appIDs, err := tx.ItemApplicationIDs(ctx, load.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{apps[0].ID}, appIDs)

		proto, found, err := tx.ItemByKey(ctx, h.ID, "net.if.in[{#IFNAME}]")
		require.NoError(t, err)
		require.True(t, found)
		rule, _, err := tx.ItemByKey(ctx, h.ID, "net.if.discovery")
		require.NoError(t, err)
		assert.Equal(t, rule.ID, proto.RuleID)

		hps, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: []int64{rule.ID}})
		require.NoError(t, err)
		require.Len(t, hps, 1)
		assert.NotZero(t, hps[0].TemplateID)

		triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{h.ID}, Flags: []db.Flag{db.FlagNormal}})
		require.NoError(t, err)
		assert.Len(t, triggers, 2)
		var highID, downID int64
		for _, tr := range triggers {
			assert.NotZero(t, tr.TemplateID)
			switch tr.Description {
			case "High load":
				highID = tr.ID
			case "Agent down":
				downID = tr.ID
			}
		}
		deps, err := tx.Dependencies(ctx, []int64{highID}, nil)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.Equal(t, downID, deps[0].UpID)

		protoTriggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{h.ID}, Flags: []db.Flag{db.FlagPrototype}})
		require.NoError(t, err)
		assert.Len(t, protoTriggers, 1)

		graphs, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{h.ID}, Inherited: true})
		require.NoError(t, err)
		assert.Len(t, graphs, 2)

		scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{HostIDs: []int64{h.ID}, Inherited: true})
		require.NoError(t, err)
		require.Len(t, scenarios, 1)
		assert.Equal(t, apps[0].ID, scenarios[0].ApplicationID)
	})
}

func TestLinkReachesHostsBelowTheTarget(t *testing.T) {
	f := newFixture(t, Options{})
	base := f.template("Template Base")
	os := f.template("Template OS")
	h := f.host("web01")
	f.item(base.ID, "agent.ping")

	_, err := f.svc.Link(f.ctx, []int64{os.ID}, []int64{h.ID})
	require.NoError(t, err)
	_, err = f.svc.Link(f.ctx, []int64{base.ID}, []int64{os.ID})
	require.NoError(t, err)

	mid, found := f.itemOn(os.ID, "agent.ping")
	require.True(t, found)
	leaf, found := f.itemOn(h.ID, "agent.ping")
	require.True(t, found)
	assert.Equal(t, mid.ID, leaf.TemplateID)
}

func TestLinkWithDuplicateKeysCreatesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.template("Template A")
	b := f.template("Template B")
	h := f.host("web01")
	f.item(a.ID, "agent.ping")
	f.item(b.ID, "agent.ping")

	_, err := f.svc.Link(f.ctx, []int64{a.ID, b.ID}, []int64{h.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Contains(t, err.Error(), "agent.ping")

	assert.Zero(t, f.links())
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM items WHERE hostid = ?`, h.ID))
	assert.Empty(t, f.sink.Messages())

	// the same conflict through an already linked template
	_, err = f.svc.Link(f.ctx, []int64{a.ID}, []int64{h.ID})
	require.NoError(t, err)
	_, err = f.svc.Link(f.ctx, []int64{b.ID}, []int64{h.ID})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Equal(t, 1, f.links())
}

func TestLinkRefusesDependencyOnUnlinkedTemplate(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.template("Template A")
	b := f.template("Template B")
	h := f.host("web01")
	f.item(a.ID, "a.key")
	f.item(b.ID, "b.key")
	down := f.trigger("A problem", "{Template A:a.key.last(0)}>0")
	up := f.trigger("B problem", "{Template B:b.key.last(0)}>0")
	f.write(func(ctx context.Context, tx *db.Tx) {
		require.NoError(t, f.svc.API().Triggers.AddDependency(ctx, tx, down.ID, up.ID))
	})

	_, err := f.svc.Link(f.ctx, []int64{a.ID}, []int64{h.ID})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Zero(t, f.links())

	_, err = f.svc.Link(f.ctx, []int64{a.ID, b.ID}, []int64{h.ID})
	require.NoError(t, err)
	f.read(func(ctx context.Context, tx *db.Tx) {
		copies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: []int64{down.ID}})
		require.NoError(t, err)
		require.Len(t, copies, 1)
		deps, err := tx.Dependencies(ctx, []int64{copies[0].ID}, nil)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		upCopies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: []int64{up.ID}})
		require.NoError(t, err)
		require.Len(t, upCopies, 1)
		assert.Equal(t, upCopies[0].ID, deps[0].UpID)
	})
}

func TestLinkDeduplicatesApplications(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")

	var manual db.Application
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		manual, err = f.svc.API().Applications.Create(ctx, tx, db.Application{HostID: h.ID, Name: "CPU"})
		require.NoError(t, err)
		_, err = f.svc.API().Applications.Create(ctx, tx, db.Application{HostID: tpl.ID, Name: "CPU"})
		require.NoError(t, err)
	})
	it := f.item(h.ID, "custom.load", manual.ID)

	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)

	f.read(func(ctx context.Context, tx *db.Tx) {
		apps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: []int64{h.ID}})
		require.NoError(t, err)
		require.Len(t, apps, 1)
		assert.Equal(t, "CPU", apps[0].Name)
		assert.NotZero(t, apps[0].TemplateID)

		appIDs, err := tx.ItemApplicationIDs(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{apps[0].ID}, appIDs)
	})
}

func TestUnlinkKeepsCopies(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")
	var app db.Application
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		app, err = f.svc.API().Applications.Create(ctx, tx, db.Application{HostID: tpl.ID, Name: "General"})
		require.NoError(t, err)
	})
	ping := f.item(tpl.ID, "agent.ping", app.ID)
	f.trigger("Agent down", "{Template OS:agent.ping.nodata(300)}=1")
	f.write(func(ctx context.Context, tx *db.Tx) {
		_, err := f.svc.API().Graphs.Create(ctx, tx, db.Graph{Name: "Ping"}, []db.GraphItem{{ItemID: ping.ID, Color: "00AA00"}})
		require.NoError(t, err)
	})
	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)

	onHost := func() []int {
		return []int{
			f.count(`SELECT COUNT(*) FROM items WHERE hostid = ?`, h.ID),
			f.count(`SELECT COUNT(*) FROM applications WHERE hostid = ?`, h.ID),
			f.count(`SELECT COUNT(DISTINCT g.graphid) FROM graphs g
				JOIN graphs_items gi ON gi.graphid = g.graphid
				JOIN items i ON i.itemid = gi.itemid WHERE i.hostid = ?`, h.ID),
		}
	}
	before := onHost()
	require.Equal(t, []int{1, 1, 1}, before)
	triggers := f.count(`SELECT COUNT(*) FROM triggers`)

	res, err := f.svc.Unlink(f.ctx, []int64{tpl.ID}, []int64{h.ID}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Removed)
	assert.Contains(t, res.Messages, `Unlinked: Item "agent.ping" on "web01".`)
	assert.Contains(t, res.Messages, `Unlinked: Trigger "Agent down" on "web01".`)
	assert.Contains(t, res.Messages, `Templates ["Template OS"] unlinked from hosts ["web01"].`)
	assert.Equal(t, res.Messages, f.sink.Messages())

	assert.Equal(t, before, onHost())
	assert.Equal(t, triggers, f.count(`SELECT COUNT(*) FROM triggers`))
	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM graphs`))
	it, found := f.itemOn(h.ID, "agent.ping")
	require.True(t, found)
	assert.Zero(t, it.TemplateID)
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM triggers WHERE templateid <> 0`))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM graphs WHERE templateid <> 0`))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM applications WHERE templateid <> 0`))
	assert.Zero(t, f.links())

	// linking again adopts the plain copies instead of duplicating them
	_, err = f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)
	assert.Equal(t, before, onHost())
	assert.Equal(t, 2, f.count(`SELECT COUNT(*) FROM graphs`))
	assert.Equal(t, triggers, f.count(`SELECT COUNT(*) FROM triggers`))
	it, _ = f.itemOn(h.ID, "agent.ping")
	assert.NotZero(t, it.TemplateID)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM graphs WHERE templateid <> 0`))
}

func TestUnlinkAndClearDeletesCopies(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")
	var app db.Application
	f.write(func(ctx context.Context, tx *db.Tx) {
		var err error
		app, err = f.svc.API().Applications.Create(ctx, tx, db.Application{HostID: tpl.ID, Name: "General"})
		require.NoError(t, err)
	})
	ping := f.item(tpl.ID, "agent.ping", app.ID)
	f.trigger("Agent down", "{Template OS:agent.ping.nodata(300)}=1")
	f.write(func(ctx context.Context, tx *db.Tx) {
		_, err := f.svc.API().Graphs.Create(ctx, tx, db.Graph{Name: "Ping"}, []db.GraphItem{{ItemID: ping.ID, Color: "00AA00"}})
		require.NoError(t, err)
	})
	local := f.item(h.ID, "local.key")

	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, nil)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	_, err = f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)

	res, err := f.svc.Unlink(f.ctx, []int64{tpl.ID}, nil, true)
	require.NoError(t, err)
	assert.Contains(t, res.Messages, `Deleted: Item "agent.ping" on "web01".`)

	_, found := f.itemOn(h.ID, "agent.ping")
	assert.False(t, found)
	_, found = f.itemOn(h.ID, "local.key")
	assert.True(t, found)
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM triggers`))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM graphs`))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM applications WHERE hostid = ?`, h.ID))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM application_template`))
	assert.Zero(t, f.links())

	_, found = f.itemOn(tpl.ID, "agent.ping")
	assert.True(t, found)
	assert.NotZero(t, local.ID)
}

func TestUnlinkRefusesTriggerSharedWithLinkedTemplate(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.template("Template A")
	b := f.template("Template B")
	h := f.host("web01")
	f.item(a.ID, "a.key")
	f.item(b.ID, "b.key")
	f.trigger("Both", "{Template A:a.key.last(0)}>0 & {Template B:b.key.last(0)}>0")

	_, err := f.svc.Link(f.ctx, []int64{a.ID, b.ID}, []int64{h.ID})
	require.NoError(t, err)
	require.Equal(t, 1, f.count(`SELECT COUNT(*) FROM triggers WHERE templateid <> 0`))

	_, err = f.svc.Unlink(f.ctx, []int64{a.ID}, []int64{h.ID}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Contains(t, err.Error(), "Both")
	assert.Equal(t, 2, f.links())

	_, err = f.svc.Unlink(f.ctx, []int64{a.ID, b.ID}, []int64{h.ID}, false)
	require.NoError(t, err)
	assert.Zero(t, f.links())
}

func TestDeleteTemplateWithChild(t *testing.T) {
	for _, unlinkMode := range []bool{true, false} {
		t.Run("unlink="+strconv.FormatBool(unlinkMode), func(t *testing.T) {
			f := newFixture(t, Options{})
			tpl := f.newHost("Template OS", db.HostTemplate, "Only templates")
			h := f.host("web01")
			f.item(tpl.ID, "agent.ping")
			f.trigger("Agent down", "{Template OS:agent.ping.nodata(300)}=1")
			_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
			require.NoError(t, err)

			var action db.Action
			f.write(func(ctx context.Context, tx *db.Tx) {
				var err error
				action, err = tx.InsertAction(ctx, db.Action{Name: "Notify admins", EventSource: db.EventSourceTriggers},
					[]db.Condition{{Type: db.ConditionHostTemplate, Value: strconv.FormatInt(tpl.ID, 10)}})
				require.NoError(t, err)
				require.NoError(t, tx.SaveInventory(ctx, db.Inventory{HostID: tpl.ID, OS: "Linux"}))
				_, err = tx.InsertMapElement(ctx, db.MapElement{MapID: 1, ElementID: tpl.ID, ElementType: db.MapElementHost})
				require.NoError(t, err)
			})

			res, err := f.svc.DeleteHost(f.ctx, tpl.ID, unlinkMode)
			require.NoError(t, err)
			assert.Contains(t, res.Messages, `Deleted: Template "Template OS".`)
			assert.Contains(t, res.Messages, `Deleted: Host group "Only templates".`)

			assert.Zero(t, f.count(`SELECT COUNT(*) FROM hosts WHERE hostid = ?`, tpl.ID))
			assert.Zero(t, f.links())
			assert.Zero(t, f.count(`SELECT COUNT(*) FROM hstgrp WHERE name = ?`, "Only templates"))
			assert.Zero(t, f.count(`SELECT COUNT(*) FROM conditions`))
			assert.Equal(t, db.ActionDisabled, f.count(`SELECT status FROM actions WHERE actionid = ?`, action.ID))
			assert.Zero(t, f.count(`SELECT COUNT(*) FROM host_inventory`))
			assert.Zero(t, f.count(`SELECT COUNT(*) FROM sysmaps_elements`))

			it, found := f.itemOn(h.ID, "agent.ping")
			assert.Equal(t, unlinkMode, found)
			if found {
				assert.Zero(t, it.TemplateID)
				assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM triggers`))
			} else {
				assert.Zero(t, f.count(`SELECT COUNT(*) FROM triggers`))
			}
		})
	}
}

type denyAll struct{}

func (denyAll) IsWritable(context.Context, []int64) (bool, error) { return false, nil }

func TestServiceChecksAuthorization(t *testing.T) {
	f := newFixture(t, Options{Authorizer: denyAll{}})
	tpl := f.template("Template OS")
	h := f.host("web01")

	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	assert.True(t, errors.Is(err, apierr.ErrPermission))
	assert.Zero(t, f.links())

	_, err = f.svc.DeleteHost(f.ctx, h.ID, false)
	assert.True(t, errors.Is(err, apierr.ErrPermission))
	assert.Equal(t, 1, f.count(`SELECT COUNT(*) FROM hosts WHERE hostid = ?`, h.ID))
}

func TestServiceDropsMessagesOnRollback(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.item(tpl.ID, "agent.ping")

	_, err := f.svc.Do(f.ctx, "test", []int64{h.ID}, func(ctx context.Context, tx *db.Tx) error {
		if _, err := f.svc.Engine().Link(ctx, tx, []int64{tpl.ID}, []int64{h.ID}); err != nil {
			return err
		}
		audit.Notify(ctx, "never delivered")
		return apierr.Parameters("abort")
	})
	assert.True(t, errors.Is(err, apierr.ErrParameters))
	assert.Empty(t, f.sink.Messages())
	assert.Zero(t, f.links())
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM items WHERE hostid = ?`, h.ID))
}

func TestCreateHostLinksTemplates(t *testing.T) {
	f := newFixture(t, Options{})
	tpl := f.template("Template OS")
	f.item(tpl.ID, "agent.ping")

	h, res, err := f.svc.CreateHost(f.ctx, db.Host{Host: "web02", Status: db.HostMonitored}, []string{"Linux servers"}, []int64{tpl.ID})
	require.NoError(t, err)
	assert.NotZero(t, h.ID)
	assert.Equal(t, []Pair{{HostID: h.ID, TemplateID: tpl.ID}}, res.Created)
	it, found := f.itemOn(h.ID, "agent.ping")
	require.True(t, found)
	assert.NotZero(t, it.TemplateID)

	_, _, err = f.svc.CreateHost(f.ctx, db.Host{Host: "web03", Status: db.HostMonitored}, []string{"Linux servers"}, []int64{9999})
	assert.True(t, errors.Is(err, apierr.ErrPermission))
	assert.Zero(t, f.count(`SELECT COUNT(*) FROM hosts WHERE host = 'web03'`))
}

// recordingLocker records the keys of every Lock call and how many lock
// sets are held.
type recordingLocker struct {
	local  *lock.Local
	before func(call int)

	mu    sync.Mutex
	calls [][]string
	held  int
}

func (r *recordingLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	r.mu.Lock()
	r.calls = append(r.calls, keys)
	call := len(r.calls)
	r.mu.Unlock()
	if r.before != nil {
		r.before(call)
	}
	release, err := r.local.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.held++
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			r.mu.Lock()
			r.held--
			r.mu.Unlock()
		})
	}, nil
}

func (r *recordingLocker) lastCall() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func (r *recordingLocker) holding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

func TestServiceReleasesLocksBeforeSink(t *testing.T) {
	locker := &recordingLocker{local: lock.NewLocal()}
	var heldDuringSink []int
	sink := audit.NotifierFunc(func(context.Context, string) {
		heldDuringSink = append(heldDuringSink, locker.holding())
	})
	f := newFixture(t, Options{Locker: locker, Sink: sink})
	tpl := f.template("Template OS")
	h := f.host("web01")
	f.item(tpl.ID, "agent.ping")

	res, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h.ID})
	require.NoError(t, err)
	require.NotEmpty(t, res.Messages)
	require.Len(t, heldDuringSink, len(res.Messages))
	for _, held := range heldDuringSink {
		assert.Zero(t, held)
	}
}

func TestLinkLocksDescendants(t *testing.T) {
	locker := &recordingLocker{local: lock.NewLocal()}
	f := newFixture(t, Options{Locker: locker})
	base := f.template("Template Base")
	osTpl := f.template("Template OS")
	h := f.host("web01")
	f.item(base.ID, "agent.ping")
	_, err := f.svc.Link(f.ctx, []int64{osTpl.ID}, []int64{h.ID})
	require.NoError(t, err)

	_, err = f.svc.Link(f.ctx, []int64{base.ID}, []int64{osTpl.ID})
	require.NoError(t, err)
	assert.Equal(t, lock.HostKeys(base.ID, osTpl.ID, h.ID), locker.lastCall())
	_, found := f.itemOn(h.ID, "agent.ping")
	assert.True(t, found)

	_, err = f.svc.DeleteHost(f.ctx, osTpl.ID, false)
	require.NoError(t, err)
	assert.Equal(t, lock.HostKeys(osTpl.ID, h.ID), locker.lastCall())
}

func TestUnlinkRetriesWhenLinkedHostsChange(t *testing.T) {
	locker := &recordingLocker{local: lock.NewLocal()}
	f := newFixture(t, Options{Locker: locker})
	tpl := f.template("Template OS")
	h1 := f.host("web01")
	h2 := f.host("web02")
	f.item(tpl.ID, "agent.ping")
	_, err := f.svc.Link(f.ctx, []int64{tpl.ID}, []int64{h1.ID})
	require.NoError(t, err)

	first := len(locker.calls) + 1
	locker.before = func(call int) {
		if call != first {
			return
		}
		// another writer links web02 between the scope read and the lock
		f.write(func(ctx context.Context, tx *db.Tx) {
			_, err := tx.InsertTemplateLink(ctx, h2.ID, tpl.ID)
			require.NoError(t, err)
		})
	}

	res, err := f.svc.Unlink(f.ctx, []int64{tpl.ID}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Removed)
	assert.Len(t, locker.calls, first+1)
	assert.Equal(t, lock.HostKeys(tpl.ID, h1.ID), locker.calls[first-1])
	assert.Equal(t, lock.HostKeys(tpl.ID, h1.ID, h2.ID), locker.lastCall())
	assert.Zero(t, f.links())
	_, found := f.itemOn(h1.ID, "agent.ping")
	assert.False(t, found)
}
