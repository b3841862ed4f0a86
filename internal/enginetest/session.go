package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Operation codes, matching the session extension.
const (
	opInsert = 18
	opDelete = 9
	opUpdate = 23
)

// Conflict kinds, matching the session extension.
const (
	conflictData       = 1
	conflictNotFound   = 2
	conflictConflict   = 3
	conflictConstraint = 4
	conflictForeignKey = 5
)

// Change is one entry of an encoded changeset.
type Change struct {
	Table    string `json:"table"`
	Op       int    `json:"op"`
	Indirect bool   `json:"indirect,omitempty"`
	Old      []Cell `json:"old,omitempty"`
	New      []Cell `json:"new,omitempty"`
}

func (c Change) columns() int {
	return max(len(c.Old), len(c.New))
}

// Changeset is the fake's serialized form. Real engines use the session
// extension's binary format; the bridge treats both as opaque bytes.
type Changeset struct {
	Patch   bool     `json:"patch,omitempty"`
	Changes []Change `json:"changes"`
}

// Encode serializes a changeset the way the fake engine would.
func Encode(cs Changeset) []byte {
	b, err := json.Marshal(cs)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses bytes produced by the fake engine.
func Decode(b []byte) (Changeset, error) {
	var cs Changeset
	if len(b) == 0 {
		return cs, nil
	}
	err := json.Unmarshal(b, &cs)
	return cs, err
}

type session struct {
	db     *database
	all    bool
	tables map[string]bool
	order  []string
	rows   map[string]*Change
	pks    map[string]int
}

func (s *session) watches(name string) bool {
	return s.all || s.tables[strings.ToLower(name)]
}

func (s *session) record(t *table, op int, before, after []Cell) {
	row := after
	if row == nil {
		row = before
	}
	k := t.name + "\x00" + row[t.pk].key()
	s.pks[t.name] = t.pk
	prev, ok := s.rows[k]
	if !ok {
		s.rows[k] = &Change{Table: t.name, Op: op, Old: before, New: after}
		s.order = append(s.order, k)
		return
	}
	switch prev.Op {
	case opInsert:
		switch op {
		case opUpdate:
			prev.New = after
		case opDelete:
			s.drop(k)
		}
	case opUpdate:
		switch op {
		case opUpdate:
			prev.New = after
		case opDelete:
			prev.Op, prev.New = opDelete, nil
		}
	case opDelete:
		if op == opInsert {
			if rowsEqual(prev.Old, after) {
				s.drop(k)
				return
			}
			prev.Op, prev.New = opUpdate, after
		}
	}
}

func (s *session) drop(k string) {
	delete(s.rows, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *session) changeset(patch bool) Changeset {
	cs := Changeset{Patch: patch, Changes: []Change{}}
	for _, k := range s.order {
		c := *s.rows[k]
		if patch {
			c = patchOf(c, s.pks[c.Table])
		}
		cs.Changes = append(cs.Changes, c)
	}
	return cs
}

// patchOf drops the column images a patchset does not carry.
func patchOf(c Change, pk int) Change {
	onlyPK := func(row []Cell) []Cell {
		out := make([]Cell, len(row))
		out[pk] = row[pk]
		return out
	}
	switch c.Op {
	case opDelete:
		c.Old = onlyPK(c.Old)
	case opUpdate:
		changed := make([]Cell, len(c.New))
		for i := range c.New {
			if i == pk || !c.New[i].equal(c.Old[i]) {
				changed[i] = c.New[i]
			}
		}
		c.Old, c.New = onlyPK(c.Old), changed
	}
	return c
}

type iterator struct {
	buf, n   uint32
	changes  []Change
	pos      int
	conflict []Cell
	fk       bool
	namePtr  uint32
	values   []uint32
}

func (e *Engine) current(it *iterator) (Change, bool) {
	if it.fk || it.pos < 0 || it.pos >= len(it.changes) {
		return Change{}, false
	}
	return it.changes[it.pos], true
}

func (e *Engine) releaseIterator(h uint32) {
	it, ok := e.iters[h]
	if !ok {
		return
	}
	e.releaseValues(it.values)
	if it.namePtr != 0 {
		e.mem.release(it.namePtr)
	}
	delete(e.iters, h)
}

func (e *Engine) imageValue(it *iterator, row []Cell, col uint32) uint64 {
	if int(col) >= len(row) {
		e.SetErrno(codeRange)
		return 0
	}
	if row[col].Type == 0 {
		return 0
	}
	h := e.newValue(row[col])
	it.values = append(it.values, h)
	return uint64(h)
}

func (e *Engine) sessionExports() map[string]export {
	iterOf := func(h uint64) *iterator {
		it, ok := e.iters[uint32(h)]
		if !ok {
			panic(fmt.Sprintf("unknown iterator %d", h))
		}
		return it
	}
	extract := func(p []uint64, patch bool) []uint64 {
		s, ok := e.sessions[uint32(p[0])]
		if !ok {
			e.SetErrno(codeMisuse)
			return []uint64{0}
		}
		cs := s.changeset(patch)
		if len(cs.Changes) == 0 {
			e.setSwap(0)
			return []uint64{0}
		}
		b := Encode(cs)
		ptr := e.mem.alloc(uint32(len(b)), true)
		copy(e.mem.buf[ptr:], b)
		e.setSwap(uint32(len(b)))
		return []uint64{uint64(ptr)}
	}
	image := func(p []uint64, old bool) []uint64 {
		it := iterOf(p[0])
		c, ok := e.current(it)
		if !ok {
			e.SetErrno(codeMisuse)
			return []uint64{0}
		}
		switch {
		case old && c.Op != opInsert:
			return []uint64{e.imageValue(it, c.Old, uint32(p[1]))}
		case !old && c.Op != opDelete:
			return []uint64{e.imageValue(it, c.New, uint32(p[1]))}
		}
		e.SetErrno(codeMisuse)
		return []uint64{0}
	}

	return map[string]export{
		"helper_session_create": func(_ context.Context, p []uint64) []uint64 {
			db, ok := e.dbs[uint32(p[0])]
			if !ok || e.readCString(uint32(p[1])) != "main" {
				e.SetErrno(codeError)
				return []uint64{0}
			}
			h := e.handle()
			s := &session{db: db, tables: make(map[string]bool), rows: make(map[string]*Change), pks: make(map[string]int)}
			e.sessions[h] = s
			db.sessions[h] = s
			return []uint64{uint64(h)}
		},
		"sqlite3session_delete": func(_ context.Context, p []uint64) []uint64 {
			if s, ok := e.sessions[uint32(p[0])]; ok {
				delete(s.db.sessions, uint32(p[0]))
				delete(e.sessions, uint32(p[0]))
			}
			return nil
		},
		"sqlite3session_attach": func(_ context.Context, p []uint64) []uint64 {
			s, ok := e.sessions[uint32(p[0])]
			if !ok {
				return []uint64{codeMisuse}
			}
			if p[1] == 0 {
				s.all = true
			} else {
				s.tables[strings.ToLower(e.readCString(uint32(p[1])))] = true
			}
			return []uint64{codeOK}
		},
		"helper_session_changeset": func(_ context.Context, p []uint64) []uint64 {
			return extract(p, false)
		},
		"helper_session_patchset": func(_ context.Context, p []uint64) []uint64 {
			return extract(p, true)
		},
		"helper_changeset_start": func(_ context.Context, p []uint64) []uint64 {
			buf, n := uint32(p[0]), uint32(p[1])
			if _, err := Decode(e.readBytes(buf, n)); err != nil {
				e.SetErrno(codeCorrupt)
				return []uint64{0}
			}
			h := e.handle()
			e.iters[h] = &iterator{buf: buf, n: n, pos: -1}
			return []uint64{uint64(h)}
		},
		"sqlite3changeset_next": func(_ context.Context, p []uint64) []uint64 {
			it := iterOf(p[0])
			e.releaseValues(it.values)
			it.values = nil
			// The input buffer is referenced, not copied, so it is re-read here.
			cs, err := Decode(e.readBytes(it.buf, it.n))
			if err != nil {
				return []uint64{codeCorrupt}
			}
			it.changes = cs.Changes
			it.pos++
			if it.pos < len(it.changes) {
				return []uint64{codeRow}
			}
			return []uint64{codeDone}
		},
		"helper_changeset_op": func(_ context.Context, p []uint64) []uint64 {
			it := iterOf(p[0])
			if it.fk {
				e.setSwap(0, 0, 0)
				return []uint64{0}
			}
			c, ok := e.current(it)
			if !ok {
				e.SetErrno(codeMisuse)
				return []uint64{0}
			}
			indirect := uint32(0)
			if c.Indirect {
				indirect = 1
			}
			e.setSwap(uint32(c.columns()), uint32(c.Op), indirect)
			if it.namePtr != 0 {
				e.mem.release(it.namePtr)
			}
			it.namePtr = e.cstr(c.Table)
			return []uint64{uint64(it.namePtr)}
		},
		"helper_changeset_old": func(_ context.Context, p []uint64) []uint64 {
			return image(p, true)
		},
		"helper_changeset_new": func(_ context.Context, p []uint64) []uint64 {
			return image(p, false)
		},
		"helper_changeset_conflict": func(_ context.Context, p []uint64) []uint64 {
			it := iterOf(p[0])
			if it.conflict == nil {
				e.SetErrno(codeMisuse)
				return []uint64{0}
			}
			return []uint64{e.imageValue(it, it.conflict, uint32(p[1]))}
		},
		"sqlite3changeset_finalize": func(_ context.Context, p []uint64) []uint64 {
			e.releaseIterator(uint32(p[0]))
			return []uint64{codeOK}
		},
		"helper_changeset_apply": func(ctx context.Context, p []uint64) []uint64 {
			db, ok := e.dbs[uint32(p[0])]
			if !ok {
				return []uint64{codeMisuse}
			}
			cs, err := Decode(e.readBytes(uint32(p[1]), uint32(p[2])))
			if err != nil {
				return []uint64{codeCorrupt}
			}
			return []uint64{uint64(e.apply(ctx, db, cs, uint32(p[3])))}
		},
	}
}

// raise asks the host to resolve a conflict through a temporary iterator.
func (e *Engine) raise(ctx context.Context, id uint32, kind int, c Change, conflicting []Cell) uint32 {
	h := e.handle()
	it := &iterator{changes: []Change{c}, pos: 0, conflict: conflicting, fk: kind == conflictForeignKey}
	e.iters[h] = it
	defer e.releaseIterator(h)
	res := e.CallHost(ctx, "session", "session_conflict", uint64(id), uint64(kind), uint64(h))
	return uint32(res[0])
}

func (e *Engine) filter(ctx context.Context, id uint32, name string) bool {
	p := e.cstr(name)
	defer e.mem.release(p)
	return e.CallHost(ctx, "session", "session_filter", uint64(id), uint64(p))[0] != 0
}

const (
	resolveOmit    = 0
	resolveReplace = 1
	resolveAbort   = 2
)

func (e *Engine) apply(ctx context.Context, db *database, cs Changeset, id uint32) int {
	snapshot := db.snapshot()
	rollback := func(code int) int {
		db.tables = snapshot
		return code
	}
	included := make(map[string]bool)
	var fk bool

	for _, c := range cs.Changes {
		in, seen := included[c.Table]
		if !seen {
			in = e.filter(ctx, id, c.Table)
			included[c.Table] = in
		}
		if !in {
			continue
		}
		t := db.table(c.Table)
		if t == nil {
			continue
		}

		if e.Conflict != nil {
			switch e.Conflict(c.Table, c.Op) {
			case conflictConstraint:
				switch e.raise(ctx, id, conflictConstraint, c, nil) {
				case resolveOmit:
					continue
				case resolveAbort:
					return rollback(codeAbort)
				default:
					return rollback(codeMisuse)
				}
			case conflictForeignKey:
				fk = true
			}
		}

		var (
			kind        int
			conflicting []Cell
		)
		var pkCell Cell
		if c.Op == opInsert {
			pkCell = c.New[t.pk]
		} else {
			pkCell = c.Old[t.pk]
		}
		idx := t.find(pkCell)
		switch {
		case c.Op == opInsert && idx >= 0:
			kind, conflicting = conflictConflict, t.rows[idx]
		case c.Op != opInsert && idx < 0:
			kind = conflictNotFound
		case c.Op != opInsert && !rowsEqual(c.Old, t.rows[idx]):
			kind, conflicting = conflictData, t.rows[idx]
		}

		if kind != 0 {
			res := e.raise(ctx, id, kind, c, conflicting)
			switch {
			case res == resolveOmit:
				continue
			case res == resolveAbort:
				return rollback(codeAbort)
			case res == resolveReplace && (kind == conflictConflict || kind == conflictData):
			default:
				return rollback(codeMisuse)
			}
		}

		switch c.Op {
		case opInsert:
			row := append([]Cell(nil), c.New...)
			if idx >= 0 {
				old := t.rows[idx]
				t.rows[idx] = row
				db.write(t, opUpdate, old, row)
			} else {
				t.rows = append(t.rows, row)
				db.write(t, opInsert, nil, row)
			}
		case opDelete:
			old := t.rows[idx]
			t.rows = append(t.rows[:idx:idx], t.rows[idx+1:]...)
			db.write(t, opDelete, old, nil)
		case opUpdate:
			old := t.rows[idx]
			row := append([]Cell(nil), old...)
			for i, v := range c.New {
				if v.Type != 0 {
					row[i] = v
				}
			}
			t.rows[idx] = row
			db.write(t, opUpdate, old, row)
		}
	}

	if fk && e.raise(ctx, id, conflictForeignKey, Change{}, nil) != resolveOmit {
		return rollback(codeConstraint)
	}
	return codeOK
}

func (e *Engine) buildExports() map[string]export {
	exports := map[string]export{
		"malloc": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(e.mem.alloc(uint32(p[0]), true))}
		},
		"free": func(_ context.Context, p []uint64) []uint64 {
			if p[0] != 0 {
				e.mem.release(uint32(p[0]))
			}
			return nil
		},
		"strlen": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(len(e.readCString(uint32(p[0]))))}
		},
		"sqlite3_initialize": func(context.Context, []uint64) []uint64 {
			e.Initialized = true
			return []uint64{codeOK}
		},
		"sqlite3_errstr": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(e.errstrPtr(int(p[0])))}
		},
		"helper_open": func(_ context.Context, p []uint64) []uint64 {
			name := e.readCString(uint32(p[0]))
			var db *database
			if name == "" || name == ":memory:" {
				db = newDatabase(name)
			} else {
				if _, ok := e.files[name]; !ok {
					e.files[name] = newDatabase(name)
				}
				db = e.files[name]
			}
			h := e.handle()
			e.dbs[h] = db
			return []uint64{uint64(h)}
		},
		"sqlite3_close": func(_ context.Context, p []uint64) []uint64 {
			delete(e.dbs, uint32(p[0]))
			return []uint64{codeOK}
		},
	}
	for name, fn := range e.statementExports() {
		exports[name] = fn
	}
	for name, fn := range e.sessionExports() {
		exports[name] = fn
	}
	return exports
}
