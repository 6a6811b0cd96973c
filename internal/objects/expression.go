package objects

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

var (
	// {host:key.func(param)} as users write it.
	functionRef = regexp.MustCompile(`\{([^:{}]+):(.+?)\.([a-z]+)\(([^)]*)\)\}`)
	// {functionid} as stored.
	functionToken = regexp.MustCompile(`\{(\d+)\}`)
	// {$n} marks the n-th function while an expression is being written.
	functionSlot = regexp.MustCompile(`\{\$(\d+)\}`)
)

// FunctionRef is one item reference of a trigger expression.
type FunctionRef struct {
	Host  string
	Key   string
	Func  string
	Param string
}

func (r FunctionRef) String() string {
	return fmt.Sprintf("{%s:%s.%s(%s)}", r.Host, r.Key, r.Func, r.Param)
}

// ParseExpression returns the item references of expr in order.
func ParseExpression(expr string) ([]FunctionRef, error) {
	matches := functionRef.FindAllStringSubmatch(expr, -1)
	if len(matches) == 0 {
		return nil, apierr.Parameters("Trigger expression \"%s\" must contain at least one host:key reference.", expr)
	}
	refs := make([]FunctionRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, FunctionRef{Host: m[1], Key: m[2], Func: m[3], Param: m[4]})
	}
	return refs, nil
}

// skeleton is an expression with {$n} slots and the function written into each slot.
type skeleton struct {
	text  string
	funcs []slotFunc
}

type slotFunc struct {
	itemID int64
	name   string
	param  string
}

// signature identifies an expression by its items and functions, independent
// of function ids.
func (s skeleton) signature() string {
	return functionSlot.ReplaceAllStringFunc(s.text, func(m string) string {
		i, _ := strconv.Atoi(m[2 : len(m)-1])
		if i >= len(s.funcs) {
			return m
		}
		f := s.funcs[i]
		return fmt.Sprintf("{%d:%s(%s)}", f.itemID, f.name, f.param)
	})
}

// storedSkeleton turns a stored expression into a skeleton.
func storedSkeleton(expr string, fns []db.Function) skeleton {
	index := make(map[string]int, len(fns))
	s := skeleton{funcs: make([]slotFunc, 0, len(fns))}
	for i, fn := range fns {
		index[strconv.FormatInt(fn.ID, 10)] = i
		s.funcs = append(s.funcs, slotFunc{itemID: fn.ItemID, name: fn.Name, param: fn.Parameter})
	}
	s.text = functionToken.ReplaceAllStringFunc(expr, func(m string) string {
		if i, ok := index[m[1:len(m)-1]]; ok {
			return "{$" + strconv.Itoa(i) + "}"
		}
		return m
	})
	return s
}

// resolveExpression parses a user expression and looks up every referenced
// item. It returns the skeleton and the referenced items in slot order.
func resolveExpression(ctx context.Context, tx *db.Tx, expr string) (skeleton, []db.Item, error) {
	refs, err := ParseExpression(expr)
	if err != nil {
		return skeleton{}, nil, err
	}
	items := make([]db.Item, 0, len(refs))
	s := skeleton{funcs: make([]slotFunc, 0, len(refs))}
	for _, ref := range refs {
		host, found, err := tx.HostByName(ctx, ref.Host)
		if err != nil {
			return skeleton{}, nil, err
		}
		if !found {
			return skeleton{}, nil, apierr.Parameters("Incorrect trigger expression. Host \"%s\" does not exist.", ref.Host)
		}
		it, found, err := tx.ItemByKey(ctx, host.ID, ref.Key)
		if err != nil {
			return skeleton{}, nil, err
		}
		if !found {
			return skeleton{}, nil, apierr.Parameters("Incorrect item key \"%s\" provided for trigger expression on \"%s\".", ref.Key, ref.Host)
		}
		items = append(items, it)
		s.funcs = append(s.funcs, slotFunc{itemID: it.ID, name: ref.Func, param: ref.Param})
	}
	n := 0
	s.text = functionRef.ReplaceAllStringFunc(expr, func(string) string {
		slot := "{$" + strconv.Itoa(n) + "}"
		n++
		return slot
	})
	return s, items, nil
}

// writeTrigger inserts t, or rewrites it when t.ID is set, together with the
// functions of s, and stores the expression with the new function ids.
func writeTrigger(ctx context.Context, tx *db.Tx, t db.Trigger, s skeleton) (db.Trigger, error) {
	if t.ID == 0 {
		t.Expression = ""
		created, err := tx.InsertTrigger(ctx, t)
		if err != nil {
			return db.Trigger{}, err
		}
		t = created
	} else if err := tx.DeleteFunctionsOf(ctx, t.ID); err != nil {
		return db.Trigger{}, err
	}
	ids := make([]int64, 0, len(s.funcs))
	for _, f := range s.funcs {
		fn, err := tx.InsertFunction(ctx, db.Function{ItemID: f.itemID, TriggerID: t.ID, Name: f.name, Parameter: f.param})
		if err != nil {
			return db.Trigger{}, err
		}
		ids = append(ids, fn.ID)
	}
	t.Expression = functionSlot.ReplaceAllStringFunc(s.text, func(m string) string {
		i, _ := strconv.Atoi(m[2 : len(m)-1])
		if i >= len(ids) {
			return m
		}
		return "{" + strconv.FormatInt(ids[i], 10) + "}"
	})
	if err := tx.UpdateTrigger(ctx, t); err != nil {
		return db.Trigger{}, err
	}
	return t, nil
}

// explode renders a stored expression with host names and item keys.
func explode(ctx context.Context, tx *db.Tx, t db.Trigger) (string, error) {
	fns, err := tx.Functions(ctx, []int64{t.ID})
	if err != nil {
		return "", err
	}
	itemIDs := make([]int64, 0, len(fns))
	for _, fn := range fns {
		itemIDs = append(itemIDs, fn.ItemID)
	}
	items, err := tx.Items(ctx, db.ItemFilter{IDs: itemIDs})
	if err != nil {
		return "", err
	}
	byID := make(map[int64]db.Item, len(items))
	hostIDs := make([]int64, 0, len(items))
	for _, it := range items {
		byID[it.ID] = it
		hostIDs = append(hostIDs, it.HostID)
	}
	hosts, err := tx.Hosts(ctx, db.HostFilter{IDs: hostIDs})
	if err != nil {
		return "", err
	}
	hostNames := make(map[int64]string, len(hosts))
	for _, h := range hosts {
		hostNames[h.ID] = h.Host
	}
	refs := make(map[string]string, len(fns))
	for _, fn := range fns {
		it := byID[fn.ItemID]
		refs[strconv.FormatInt(fn.ID, 10)] = FunctionRef{
			Host: hostNames[it.HostID], Key: it.Key, Func: fn.Name, Param: fn.Parameter,
		}.String()
	}
	return functionToken.ReplaceAllStringFunc(t.Expression, func(m string) string {
		if ref, ok := refs[m[1:len(m)-1]]; ok {
			return ref
		}
		return m
	}), nil
}
