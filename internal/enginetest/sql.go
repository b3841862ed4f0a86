package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Cell types, matching sqlite3_value_type.
const (
	TypeInteger = 1
	TypeFloat   = 2
	TypeText    = 3
	TypeBlob    = 4
	TypeNull    = 5
)

// Cell is a stored value. The zero Cell is "undefined", which is what a
// patchset holds for columns it does not carry.
type Cell struct {
	Type int     `json:"t"`
	Num  float64 `json:"n,omitempty"`
	Text string  `json:"s,omitempty"`
	Blob []byte  `json:"b,omitempty"`
}

func (c Cell) numeric() bool { return c.Type == TypeInteger || c.Type == TypeFloat }

func (c Cell) equal(o Cell) bool {
	switch {
	case c.numeric() && o.numeric():
		return c.Num == o.Num
	case c.Type != o.Type:
		return false
	case c.Type == TypeText:
		return c.Text == o.Text
	case c.Type == TypeBlob:
		return bytes.Equal(c.Blob, o.Blob)
	default:
		return true
	}
}

func (c Cell) key() string {
	switch c.Type {
	case TypeInteger, TypeFloat:
		return "n" + strconv.FormatFloat(c.Num, 'g', -1, 64)
	case TypeText:
		return "s" + c.Text
	case TypeBlob:
		return "b" + string(c.Blob)
	default:
		return "null"
	}
}

func (c Cell) less(o Cell) bool {
	if c.numeric() && o.numeric() {
		return c.Num < o.Num
	}
	return c.key() < o.key()
}

func rowsEqual(a, b []Cell) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != 0 && b[i].Type != 0 && !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

type table struct {
	name  string
	cols  []string
	types []string
	pk    int
	rows  [][]Cell
}

func (t *table) col(name string) int {
	for i, c := range t.cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func (t *table) find(pk Cell) int {
	for i, r := range t.rows {
		if r[t.pk].equal(pk) {
			return i
		}
	}
	return -1
}

// affinity applies the column's declared type to a value.
func (t *table) affinity(i int, c Cell) Cell {
	typ := strings.ToUpper(t.types[i])
	if c.Type == TypeFloat && strings.Contains(typ, "INT") && c.Num == float64(int64(c.Num)) {
		c.Type = TypeInteger
	}
	return c
}

func (t *table) clone() *table {
	cp := *t
	cp.rows = make([][]Cell, len(t.rows))
	for i, r := range t.rows {
		cp.rows[i] = append([]Cell(nil), r...)
	}
	return &cp
}

type database struct {
	name     string
	tables   map[string]*table
	sessions map[uint32]*session
}

func newDatabase(name string) *database {
	return &database{
		name:     name,
		tables:   make(map[string]*table),
		sessions: make(map[uint32]*session),
	}
}

func (db *database) table(name string) *table {
	return db.tables[strings.ToLower(name)]
}

func (db *database) snapshot() map[string]*table {
	out := make(map[string]*table, len(db.tables))
	for k, t := range db.tables {
		out[k] = t.clone()
	}
	return out
}

// write records a row change with every session watching the table.
func (db *database) write(t *table, op int, before, after []Cell) {
	for _, s := range db.sessions {
		if s.watches(t.name) {
			s.record(t, op, before, after)
		}
	}
}

const (
	stmtCreate = iota + 1
	stmtDrop
	stmtInsert
	stmtDelete
	stmtUpdate
	stmtSelect
)

var (
	reCreate = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?(\w+)\s*\((.*)\)\s*;?\s*$`)
	reDrop   = regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+(IF\s+EXISTS\s+)?(\w+)\s*;?\s*$`)
	reInsert = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*(?:\(([^)]*)\))?\s*VALUES\s*\((.*)\)\s*;?\s*$`)
	reDelete = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+(\w+)(?:\s+WHERE\s+(\w+)\s*=\s*(\S+?))?\s*;?\s*$`)
	reUpdate = regexp.MustCompile(`(?is)^\s*UPDATE\s+(\w+)\s+SET\s+(.+?)\s+WHERE\s+(\w+)\s*=\s*(\S+?)\s*;?\s*$`)
	reSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+(\w+)(?:\s+WHERE\s+(\w+)\s*=\s*(\S+?))?(?:\s+ORDER\s+BY\s+(\w+))?\s*;?\s*$`)
	reNumber = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

type expr struct {
	param int
	lit   Cell
}

type stmt struct {
	db          *database
	kind        int
	table       string
	ifClause    bool
	defs        []string
	cols        []string
	exprs       []expr
	whereCol    string
	where       *expr
	orderBy     string
	params      []string
	binds       []Cell
	resultCols  []string
	rows        [][]Cell
	pos         int
	started     bool
	lastRC      int
	rowValues   []uint32
	nameStrings map[string]uint32
}

func (s *stmt) expr(tok string) (expr, error) {
	tok = strings.TrimSpace(tok)
	switch {
	case tok == "?":
		s.params = append(s.params, "")
		return expr{param: len(s.params)}, nil
	case len(tok) > 1 && strings.ContainsRune(":@$", rune(tok[0])):
		for i, name := range s.params {
			if name == tok {
				return expr{param: i + 1}, nil
			}
		}
		s.params = append(s.params, tok)
		return expr{param: len(s.params)}, nil
	case strings.EqualFold(tok, "NULL"):
		return expr{lit: Cell{Type: TypeNull}}, nil
	case len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'':
		return expr{lit: Cell{Type: TypeText, Text: strings.ReplaceAll(tok[1:len(tok)-1], "''", "'")}}, nil
	case reNumber.MatchString(tok):
		f, _ := strconv.ParseFloat(tok, 64)
		if strings.Contains(tok, ".") {
			return expr{lit: Cell{Type: TypeFloat, Num: f}}, nil
		}
		return expr{lit: Cell{Type: TypeInteger, Num: f}}, nil
	}
	return expr{}, fmt.Errorf("unsupported expression %q", tok)
}

func (s *stmt) eval(x expr) Cell {
	if x.param > 0 {
		return s.binds[x.param-1]
	}
	return x.lit
}

// splitList splits on commas outside quotes and parentheses.
func splitList(s string) []string {
	var (
		out   []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (e *Engine) parse(db *database, sql string) (*stmt, error) {
	s := &stmt{db: db, nameStrings: make(map[string]uint32)}
	var err error
	switch {
	case reCreate.MatchString(sql):
		m := reCreate.FindStringSubmatch(sql)
		s.kind, s.ifClause, s.table, s.defs = stmtCreate, m[1] != "", m[2], splitList(m[3])
	case reDrop.MatchString(sql):
		m := reDrop.FindStringSubmatch(sql)
		s.kind, s.ifClause, s.table = stmtDrop, m[1] != "", m[2]
	case reInsert.MatchString(sql):
		m := reInsert.FindStringSubmatch(sql)
		s.kind, s.table = stmtInsert, m[1]
		if m[2] != "" {
			s.cols = splitList(m[2])
		}
		for _, tok := range splitList(m[3]) {
			x, err := s.expr(tok)
			if err != nil {
				return nil, err
			}
			s.exprs = append(s.exprs, x)
		}
	case reDelete.MatchString(sql):
		m := reDelete.FindStringSubmatch(sql)
		s.kind, s.table = stmtDelete, m[1]
		err = s.parseWhere(m[2], m[3])
	case reUpdate.MatchString(sql):
		m := reUpdate.FindStringSubmatch(sql)
		s.kind, s.table = stmtUpdate, m[1]
		for _, set := range splitList(m[2]) {
			col, val, ok := strings.Cut(set, "=")
			if !ok {
				return nil, fmt.Errorf("bad SET clause %q", set)
			}
			x, err := s.expr(val)
			if err != nil {
				return nil, err
			}
			s.cols = append(s.cols, strings.TrimSpace(col))
			s.exprs = append(s.exprs, x)
		}
		err = s.parseWhere(m[3], m[4])
	case reSelect.MatchString(sql):
		m := reSelect.FindStringSubmatch(sql)
		s.kind, s.table, s.orderBy = stmtSelect, m[2], m[5]
		if strings.TrimSpace(m[1]) != "*" {
			s.cols = splitList(m[1])
		}
		err = s.parseWhere(m[3], m[4])
	default:
		return nil, fmt.Errorf("unsupported statement %q", sql)
	}
	if err != nil {
		return nil, err
	}
	if s.kind != stmtCreate && s.kind != stmtDrop {
		t := db.table(s.table)
		if t == nil {
			return nil, fmt.Errorf("no such table: %s", s.table)
		}
		if s.kind == stmtSelect {
			s.resultCols = s.cols
			if s.resultCols == nil {
				s.resultCols = t.cols
			}
		}
	}
	s.binds = make([]Cell, len(s.params))
	s.clearBindings()
	return s, nil
}

func (s *stmt) parseWhere(col, val string) error {
	if col == "" {
		return nil
	}
	x, err := s.expr(val)
	if err != nil {
		return err
	}
	s.whereCol, s.where = col, &x
	return nil
}

func (s *stmt) clearBindings() {
	for i := range s.binds {
		s.binds[i] = Cell{Type: TypeNull}
	}
}

func (s *stmt) matches(t *table, row []Cell) bool {
	if s.where == nil {
		return true
	}
	i := t.col(s.whereCol)
	return i >= 0 && row[i].equal(s.eval(*s.where))
}

// step runs the statement. Writes happen on the first step only.
func (e *Engine) step(s *stmt) int {
	if s.kind == stmtSelect {
		if !s.started {
			s.started = true
			s.rows = e.query(s)
			s.pos = -1
		}
		s.pos++
		if s.pos < len(s.rows) {
			return codeRow
		}
		return codeDone
	}
	if s.started {
		return codeDone
	}
	s.started = true
	db := s.db
	switch s.kind {
	case stmtCreate:
		if db.table(s.table) != nil {
			if s.ifClause {
				return codeDone
			}
			return codeError
		}
		t := &table{name: s.table}
		for i, def := range s.defs {
			fields := strings.Fields(def)
			if len(fields) == 0 {
				return codeError
			}
			t.cols = append(t.cols, fields[0])
			t.types = append(t.types, strings.Join(fields[1:], " "))
			if strings.Contains(strings.ToUpper(def), "PRIMARY KEY") {
				t.pk = i
			}
		}
		db.tables[strings.ToLower(s.table)] = t
	case stmtDrop:
		if db.table(s.table) == nil && !s.ifClause {
			return codeError
		}
		delete(db.tables, strings.ToLower(s.table))
	case stmtInsert:
		t := db.table(s.table)
		if t == nil {
			return codeError
		}
		row := make([]Cell, len(t.cols))
		for i := range row {
			row[i] = Cell{Type: TypeNull}
		}
		cols := s.cols
		if cols == nil {
			cols = t.cols
		}
		if len(cols) != len(s.exprs) {
			return codeError
		}
		for i, col := range cols {
			ci := t.col(col)
			if ci < 0 {
				return codeError
			}
			row[ci] = t.affinity(ci, s.eval(s.exprs[i]))
		}
		if t.find(row[t.pk]) >= 0 {
			return codeConstraint
		}
		t.rows = append(t.rows, row)
		db.write(t, opInsert, nil, row)
	case stmtDelete:
		t := db.table(s.table)
		kept := t.rows[:0:0]
		var deleted [][]Cell
		for _, r := range t.rows {
			if s.matches(t, r) {
				deleted = append(deleted, r)
			} else {
				kept = append(kept, r)
			}
		}
		t.rows = kept
		for _, r := range deleted {
			db.write(t, opDelete, r, nil)
		}
	case stmtUpdate:
		t := db.table(s.table)
		for i, r := range t.rows {
			if !s.matches(t, r) {
				continue
			}
			next := append([]Cell(nil), r...)
			for j, col := range s.cols {
				ci := t.col(col)
				if ci < 0 {
					return codeError
				}
				next[ci] = t.affinity(ci, s.eval(s.exprs[j]))
			}
			t.rows[i] = next
			db.write(t, opUpdate, r, next)
		}
	}
	return codeDone
}

func (e *Engine) query(s *stmt) [][]Cell {
	t := s.db.table(s.table)
	if t == nil {
		return nil
	}
	var rows [][]Cell
	for _, r := range t.rows {
		if s.matches(t, r) {
			rows = append(rows, r)
		}
	}
	if s.orderBy != "" {
		if oi := t.col(s.orderBy); oi >= 0 {
			sort.SliceStable(rows, func(i, j int) bool { return rows[i][oi].less(rows[j][oi]) })
		}
	}
	out := make([][]Cell, len(rows))
	for i, r := range rows {
		for _, col := range s.resultCols {
			out[i] = append(out[i], r[t.col(col)])
		}
	}
	return out
}

type valueRef struct {
	cell    Cell
	textPtr uint32
	blobPtr uint32
}

func (e *Engine) newValue(c Cell) uint32 {
	h := e.handle()
	e.values[h] = &valueRef{cell: c}
	return h
}

func (e *Engine) releaseValues(hs []uint32) {
	for _, h := range hs {
		if v, ok := e.values[h]; ok {
			if v.textPtr != 0 {
				e.mem.release(v.textPtr)
			}
			if v.blobPtr != 0 {
				e.mem.release(v.blobPtr)
			}
			delete(e.values, h)
		}
	}
}

func (e *Engine) finalize(h uint32) {
	s, ok := e.stmts[h]
	if !ok {
		return
	}
	e.releaseValues(s.rowValues)
	for _, p := range s.nameStrings {
		e.mem.release(p)
	}
	delete(e.stmts, h)
}

func (e *Engine) bind(s *stmt, idx uint32, c Cell) int {
	if idx == 0 || int(idx) > len(s.binds) {
		return codeRange
	}
	s.binds[idx-1] = c
	return codeOK
}

func (e *Engine) statementExports() map[string]export {
	stmtOf := func(h uint64) *stmt {
		s, ok := e.stmts[uint32(h)]
		if !ok {
			panic(fmt.Sprintf("unknown statement %d", h))
		}
		return s
	}
	valueOf := func(h uint64) *valueRef {
		v, ok := e.values[uint32(h)]
		if !ok {
			panic(fmt.Sprintf("unknown value %d", h))
		}
		return v
	}
	return map[string]export{
		"helper_prepare": func(_ context.Context, p []uint64) []uint64 {
			db, ok := e.dbs[uint32(p[0])]
			if !ok {
				e.SetErrno(codeMisuse)
				return []uint64{0}
			}
			s, err := e.parse(db, e.readCString(uint32(p[1])))
			if err != nil {
				e.SetErrno(codeError)
				return []uint64{0}
			}
			h := e.handle()
			e.stmts[h] = s
			return []uint64{uint64(h)}
		},
		"sqlite3_finalize": func(_ context.Context, p []uint64) []uint64 {
			e.finalize(uint32(p[0]))
			return []uint64{codeOK}
		},
		"sqlite3_step": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			e.releaseValues(s.rowValues)
			s.rowValues = nil
			rc := e.step(s)
			if rc != codeRow && rc != codeDone {
				s.lastRC = rc
			}
			return []uint64{uint64(rc)}
		},
		"sqlite3_reset": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			e.releaseValues(s.rowValues)
			s.rowValues, s.rows, s.started = nil, nil, false
			// Like sqlite3_reset, report the error of the last step once.
			rc := s.lastRC
			s.lastRC = codeOK
			return []uint64{uint64(rc)}
		},
		"sqlite3_clear_bindings": func(_ context.Context, p []uint64) []uint64 {
			stmtOf(p[0]).clearBindings()
			return []uint64{codeOK}
		},
		"sqlite3_bind_parameter_count": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(len(stmtOf(p[0]).params))}
		},
		"sqlite3_bind_parameter_index": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			name := e.readCString(uint32(p[1]))
			for i, n := range s.params {
				if n != "" && n == name {
					return []uint64{uint64(i + 1)}
				}
			}
			return []uint64{0}
		},
		"sqlite3_bind_parameter_name": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			i := int(uint32(p[1]))
			if i < 1 || i > len(s.params) || s.params[i-1] == "" {
				return []uint64{0}
			}
			key := "p" + strconv.Itoa(i)
			if _, ok := s.nameStrings[key]; !ok {
				s.nameStrings[key] = e.cstr(s.params[i-1])
			}
			return []uint64{uint64(s.nameStrings[key])}
		},
		"helper_bind_text": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			text := string(e.readBytes(uint32(p[2]), uint32(p[3])))
			if rc := e.bind(s, uint32(p[1]), Cell{Type: TypeText, Text: text}); rc != codeOK {
				e.SetErrno(uint32(rc))
			}
			return nil
		},
		"helper_bind_blob": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			blob := e.readBytes(uint32(p[2]), uint32(p[3]))
			if rc := e.bind(s, uint32(p[1]), Cell{Type: TypeBlob, Blob: blob}); rc != codeOK {
				e.SetErrno(uint32(rc))
			}
			return nil
		},
		"sqlite3_bind_double": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(e.bind(stmtOf(p[0]), uint32(p[1]), Cell{Type: TypeFloat, Num: f64(p[2])}))}
		},
		"sqlite3_bind_null": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(e.bind(stmtOf(p[0]), uint32(p[1]), Cell{Type: TypeNull}))}
		},
		"sqlite3_column_count": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(len(stmtOf(p[0]).resultCols))}
		},
		"sqlite3_column_name": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			i := int(uint32(p[1]))
			if i >= len(s.resultCols) {
				return []uint64{0}
			}
			key := "c" + strconv.Itoa(i)
			if _, ok := s.nameStrings[key]; !ok {
				s.nameStrings[key] = e.cstr(s.resultCols[i])
			}
			return []uint64{uint64(s.nameStrings[key])}
		},
		"sqlite3_column_value": func(_ context.Context, p []uint64) []uint64 {
			s := stmtOf(p[0])
			i := int(uint32(p[1]))
			if s.pos < 0 || s.pos >= len(s.rows) || i >= len(s.resultCols) {
				return []uint64{0}
			}
			h := e.newValue(s.rows[s.pos][i])
			s.rowValues = append(s.rowValues, h)
			return []uint64{uint64(h)}
		},
		"sqlite3_value_type": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(valueOf(p[0]).cell.Type)}
		},
		"sqlite3_value_double": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{u64(valueOf(p[0]).cell.Num)}
		},
		"sqlite3_value_bytes": func(_ context.Context, p []uint64) []uint64 {
			c := valueOf(p[0]).cell
			if c.Type == TypeBlob {
				return []uint64{uint64(len(c.Blob))}
			}
			return []uint64{uint64(len(c.Text))}
		},
		"sqlite3_value_text": func(_ context.Context, p []uint64) []uint64 {
			v := valueOf(p[0])
			if v.textPtr == 0 {
				v.textPtr = e.cstr(v.cell.Text)
			}
			return []uint64{uint64(v.textPtr)}
		},
		"sqlite3_value_blob": func(_ context.Context, p []uint64) []uint64 {
			v := valueOf(p[0])
			if len(v.cell.Blob) == 0 {
				return []uint64{0}
			}
			if v.blobPtr == 0 {
				v.blobPtr = e.mem.alloc(uint32(len(v.cell.Blob)), false)
				copy(e.mem.buf[v.blobPtr:], v.cell.Blob)
			}
			return []uint64{uint64(v.blobPtr)}
		},
		"sqlite3_value_dup": func(_ context.Context, p []uint64) []uint64 {
			return []uint64{uint64(e.newValue(valueOf(p[0]).cell))}
		},
		"sqlite3_value_free": func(_ context.Context, p []uint64) []uint64 {
			e.releaseValues([]uint32{uint32(p[0])})
			return nil
		},
	}
}
