package docmap

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/iancoleman/strcase"
	"golang.org/x/sync/singleflight"
)

const idKey = "_id"

// FieldKind is the document-level type tag of a mapped field.
type FieldKind uint8

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldBool
	FieldArray
	FieldNested
	FieldIdentifier
	FieldDynamic
)

func (k FieldKind) String() string {
	switch k {
	case FieldString:
		return "string"
	case FieldNumber:
		return "number"
	case FieldBool:
		return "bool"
	case FieldArray:
		return "array"
	case FieldNested:
		return "nested"
	case FieldIdentifier:
		return "identifier"
	case FieldDynamic:
		return "dynamic"
	}
	return "unknown"
}

// FieldDescriptor maps one struct member to a document key.
type FieldDescriptor struct {
	Name      string
	GoName    string
	Key       string
	Kind      FieldKind
	OmitEmpty bool

	index []int
	typ   reflect.Type
	// struct type reachable through this field (nested struct or array of
	// structs), resolved lazily so recursive types are allowed
	elem reflect.Type
}

// EntityMapping is the immutable document shape of a struct type.
type EntityMapping struct {
	Type       reflect.Type
	Collection string
	ID         *FieldDescriptor
	Fields     []FieldDescriptor

	byName map[string]int
}

// Field looks a descriptor up by member name, Go name or document key.
func (m *EntityMapping) Field(name string) (FieldDescriptor, bool) {
	i, ok := m.byName[name]
	if !ok {
		return FieldDescriptor{}, false
	}
	return m.Fields[i], true
}

type RegistryOption func(r *Registry)

// WithTagName sets the struct tag read for document keys. Default "doc".
func WithTagName(name string) RegistryOption {
	return func(r *Registry) {
		r.tagName = name
	}
}

// WithKeyNaming sets how untagged member names become document keys.
func WithKeyNaming(fn func(memberName string) string) RegistryOption {
	return func(r *Registry) {
		r.keyNaming = fn
	}
}

// SnakeCaseKeys stores untagged members under snake_case keys.
func SnakeCaseKeys() RegistryOption {
	return WithKeyNaming(strcase.ToSnake)
}

// Registry resolves and caches entity mappings per type.
type Registry struct {
	tagName   string
	keyNaming func(string) string

	cache  sync.Map
	group  singleflight.Group
	builds atomic.Int64
}

type cacheEntry struct {
	m   *EntityMapping
	err error
}

var DefaultRegistry = NewRegistry()

func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		tagName:   "doc",
		keyNaming: func(s string) string { return s },
	}
	for _, op := range options {
		op(r)
	}

	return r
}

// Resolve returns the mapping of an entity type. Entities must have exactly
// one string identifier.
func (r *Registry) Resolve(t reflect.Type) (*EntityMapping, error) {
	m, err := r.shape(t)
	if err != nil {
		return nil, err
	}

	if m.ID == nil {
		return nil, mappingErrf(m.Type, "no identifier field, tag one with `%s:\",id\"` or name it ID", r.tagName)
	}

	return m, nil
}

// TranslateField turns a member name or dotted path into document keys.
// Unknown names are passed through unchanged.
func (r *Registry) TranslateField(t reflect.Type, name string) (string, error) {
	m, err := r.shape(t)
	if err != nil {
		return "", err
	}

	return r.translatePath(m, name), nil
}

// DecodeDocument builds a new value of type t from a raw document.
func (r *Registry) DecodeDocument(t reflect.Type, doc Document) (any, error) {
	dst := reflect.New(derefType(t)).Elem()
	if err := r.decodeRoot(dst, DocumentValue(doc)); err != nil {
		return nil, err
	}

	return dst.Interface(), nil
}

// Decode populates dest, a non-nil pointer, from a raw document.
func (r *Registry) Decode(doc Document, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return invalidArgf("decode destination must be a non-nil pointer, got %T", dest)
	}

	return r.decodeRoot(rv.Elem(), DocumentValue(doc))
}

// Encode converts a struct (or pointer to struct) into a raw document.
func (r *Registry) Encode(entity any) (Document, error) {
	rv := reflect.Indirect(reflect.ValueOf(entity))
	if rv.Kind() != reflect.Struct {
		return nil, invalidArgf("cannot encode %T as a document", entity)
	}

	m, err := r.shape(rv.Type())
	if err != nil {
		return nil, err
	}

	return r.encodeStruct(m, rv)
}

func (r *Registry) shape(t reflect.Type) (*EntityMapping, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil type", ErrMapping)
	}
	t = derefType(t)

	if e, ok := r.cache.Load(t); ok {
		ce := e.(cacheEntry)
		return ce.m, ce.err
	}

	v, _, _ := r.group.Do(fmt.Sprintf("%s@%p", t, t), func() (any, error) {
		if e, ok := r.cache.Load(t); ok {
			return e, nil
		}

		m, err := r.build(t)
		e, _ := r.cache.LoadOrStore(t, cacheEntry{m: m, err: err})
		return e, nil
	})

	ce := v.(cacheEntry)
	return ce.m, ce.err
}

func (r *Registry) build(t reflect.Type) (*EntityMapping, error) {
	r.builds.Add(1)

	if t.Kind() != reflect.Struct {
		return nil, mappingErrf(t, "expected a struct, got %s", t.Kind())
	}
	if opaqueStruct(t) {
		return nil, mappingErrf(t, "struct has no exported fields")
	}

	m := &EntityMapping{
		Type:   t,
		byName: make(map[string]int),
	}

	if model, ok := reflect.New(t).Interface().(Model); ok {
		m.Collection = model.CollectionName()
	}

	var explicitIDs, implicitIDs []int
	keys := make(map[string]string)

	var walk func(st reflect.Type, prefix []int) error
	walk = func(st reflect.Type, prefix []int) error {
		for i := 0; i < st.NumField(); i++ {
			field := st.Field(i)
			index := append(append([]int{}, prefix...), i)

			if field.Type == dbTableType {
				if name := field.Tag.Get("name"); name != "" && m.Collection == "" {
					m.Collection = name
				}
				continue
			}

			tag := field.Tag.Get(r.tagName)
			if tag == "-" {
				continue
			}

			key, isID, omitEmpty := parseDocTag(tag)
			if field.Anonymous && key == "" {
				if !field.IsExported() && field.Type.Kind() == reflect.Ptr {
					continue
				}
				if ft := derefType(field.Type); ft.Kind() == reflect.Struct {
					if err := walk(ft, index); err != nil {
						return err
					}
					continue
				}
			}

			if !field.IsExported() {
				continue
			}

			kind, err := fieldKind(field.Type)
			if err != nil {
				return mappingErrf(t, "field %s: %v", field.Name, err)
			}

			name := memberName(field.Name)
			if key == "" {
				key = r.keyNaming(name)
			}

			fd := FieldDescriptor{
				Name:      name,
				GoName:    field.Name,
				Key:       key,
				Kind:      kind,
				OmitEmpty: omitEmpty,
				index:     index,
				typ:       field.Type,
				elem:      structElem(field.Type),
			}

			pos := len(m.Fields)
			switch {
			case isID:
				explicitIDs = append(explicitIDs, pos)
			case key == idKey || name == "id":
				implicitIDs = append(implicitIDs, pos)
			}

			m.Fields = append(m.Fields, fd)
		}
		return nil
	}

	if err := walk(t, nil); err != nil {
		return nil, err
	}

	idPos := -1
	switch {
	case len(explicitIDs) > 1:
		return nil, mappingErrf(t, "ambiguous identifier: %d fields tagged id", len(explicitIDs))
	case len(explicitIDs) == 1:
		idPos = explicitIDs[0]
	case len(implicitIDs) > 1:
		return nil, mappingErrf(t, "ambiguous identifier: %d fields named id", len(implicitIDs))
	case len(implicitIDs) == 1:
		idPos = implicitIDs[0]
	}

	if idPos >= 0 {
		fd := &m.Fields[idPos]
		if fd.typ.Kind() != reflect.String {
			return nil, mappingErrf(t, "identifier %s must be a string, got %s", fd.GoName, fd.typ)
		}
		fd.Key = idKey
		fd.Kind = FieldIdentifier
		m.ID = fd
	}

	for i, fd := range m.Fields {
		if other, dup := keys[fd.Key]; dup {
			return nil, mappingErrf(t, "fields %s and %s both map to key %q", other, fd.GoName, fd.Key)
		}
		keys[fd.Key] = fd.GoName

		if _, ok := m.byName[fd.Name]; !ok {
			m.byName[fd.Name] = i
		}
	}
	for i, fd := range m.Fields {
		if _, ok := m.byName[fd.GoName]; !ok {
			m.byName[fd.GoName] = i
		}
	}
	for i, fd := range m.Fields {
		if _, ok := m.byName[fd.Key]; !ok {
			m.byName[fd.Key] = i
		}
	}
	if idPos >= 0 {
		m.byName["id"] = idPos
		m.byName[idKey] = idPos
	}

	if m.Collection == "" {
		m.Collection = strcase.ToLowerCamel(t.Name())
	}

	return m, nil
}

func (r *Registry) translatePath(m *EntityMapping, path string) string {
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if m == nil {
			continue
		}

		if isIndex(seg) {
			continue
		}

		fd, ok := m.Field(seg)
		if !ok {
			m = nil
			continue
		}

		segs[i] = fd.Key
		m = nil
		if fd.elem != nil {
			if nested, err := r.shape(fd.elem); err == nil {
				m = nested
			}
		}
	}

	return strings.Join(segs, ".")
}

func (r *Registry) encodeStruct(m *EntityMapping, rv reflect.Value) (Document, error) {
	doc := make(Document, len(m.Fields))
	for _, fd := range m.Fields {
		fv, ok := fieldByIndex(rv, fd.index)
		if !ok {
			continue
		}

		if fd.Kind == FieldIdentifier {
			if id := fv.String(); id != "" {
				doc[idKey] = String(id)
			}
			continue
		}

		if fd.OmitEmpty && fv.IsZero() {
			continue
		}

		if (fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface) && fv.IsNil() {
			continue
		}

		v, err := r.encodeValue(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fd.Name, err)
		}
		doc[fd.Key] = v
	}

	return doc, nil
}

func (r *Registry) encodeValue(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Null(), nil
	}

	switch rv.Type() {
	case valueType:
		return rv.Interface().(Value), nil
	case documentType:
		return DocumentValue(rv.Interface().(Document)), nil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return r.encodeValue(rv.Elem())
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.Slice:
		if rv.IsNil() {
			return Null(), nil
		}
		fallthrough
	case reflect.Array:
		arr := make([]Value, rv.Len())
		for i := range arr {
			ev, err := r.encodeValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			arr[i] = ev
		}
		return Array(arr...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, invalidArgf("map key must be a string, got %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return Null(), nil
		}
		doc := make(Document, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := r.encodeValue(iter.Value())
			if err != nil {
				return Value{}, err
			}
			doc[iter.Key().String()] = ev
		}
		return DocumentValue(doc), nil
	case reflect.Struct:
		m, err := r.shape(rv.Type())
		if err != nil {
			return Value{}, err
		}
		doc, err := r.encodeStruct(m, rv)
		if err != nil {
			return Value{}, err
		}
		return DocumentValue(doc), nil
	}

	return Value{}, invalidArgf("unsupported value type %s", rv.Type())
}

func (r *Registry) decodeRoot(dst reflect.Value, v Value) error {
	d := decoder{r: r, root: dst.Type()}
	return d.decode(dst, v, "")
}

type decoder struct {
	r    *Registry
	root reflect.Type
}

func (d decoder) fail(path string, format string, args ...any) error {
	if path == "" {
		path = "<root>"
	}
	return &DecodeError{Type: d.root, Field: path, Err: fmt.Errorf(format, args...)}
}

func (d decoder) decode(dst reflect.Value, v Value, path string) error {
	switch dst.Type() {
	case valueType:
		dst.Set(reflect.ValueOf(v))
		return nil
	case documentType:
		switch v.kind {
		case KindNull:
			dst.Set(reflect.Zero(documentType))
			return nil
		case KindDocument:
			dst.Set(reflect.ValueOf(v.doc))
			return nil
		}
		return d.fail(path, "expected document, got %s", v.kind)
	}

	switch dst.Kind() {
	case reflect.Ptr:
		if v.IsNull() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return d.decode(dst.Elem(), v, path)
	case reflect.Interface:
		if v.IsNull() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if dst.NumMethod() != 0 {
			return d.fail(path, "cannot decode into non-empty interface %s", dst.Type())
		}
		dst.Set(reflect.ValueOf(v.Interface()))
		return nil
	}

	if v.IsNull() {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		s, ok := v.Str()
		if !ok {
			return d.fail(path, "expected string, got %s", v.kind)
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := v.Boolean()
		if !ok {
			return d.fail(path, "expected bool, got %s", v.kind)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.Num()
		if !ok {
			return d.fail(path, "expected number, got %s", v.kind)
		}
		if !isIntegral(n) || dst.OverflowInt(int64(n)) {
			return d.fail(path, "number %v does not fit %s", n, dst.Type())
		}
		dst.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.Num()
		if !ok {
			return d.fail(path, "expected number, got %s", v.kind)
		}
		if !isIntegral(n) || n < 0 || dst.OverflowUint(uint64(n)) {
			return d.fail(path, "number %v does not fit %s", n, dst.Type())
		}
		dst.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		n, ok := v.Num()
		if !ok {
			return d.fail(path, "expected number, got %s", v.kind)
		}
		if dst.OverflowFloat(n) {
			return d.fail(path, "number %v overflows %s", n, dst.Type())
		}
		dst.SetFloat(n)
	case reflect.Slice:
		elems, ok := v.Elems()
		if !ok {
			return d.fail(path, "expected array, got %s", v.kind)
		}
		out := reflect.MakeSlice(dst.Type(), len(elems), len(elems))
		for i, e := range elems {
			if err := d.decode(out.Index(i), e, fmt.Sprintf("%s.%d", path, i)); err != nil {
				return err
			}
		}
		dst.Set(out)
	case reflect.Array:
		elems, ok := v.Elems()
		if !ok {
			return d.fail(path, "expected array, got %s", v.kind)
		}
		if len(elems) > dst.Len() {
			return d.fail(path, "array of %d elements does not fit %s", len(elems), dst.Type())
		}
		dst.Set(reflect.Zero(dst.Type()))
		for i, e := range elems {
			if err := d.decode(dst.Index(i), e, fmt.Sprintf("%s.%d", path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		doc, ok := v.Doc()
		if !ok {
			return d.fail(path, "expected document, got %s", v.kind)
		}
		mt := dst.Type()
		if mt.Key().Kind() != reflect.String {
			return d.fail(path, "map key must be a string, got %s", mt.Key())
		}
		out := reflect.MakeMapWithSize(mt, len(doc))
		for k, e := range doc {
			elem := reflect.New(mt.Elem()).Elem()
			if err := d.decode(elem, e, joinPath(path, k)); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(mt.Key()), elem)
		}
		dst.Set(out)
	case reflect.Struct:
		doc, ok := v.Doc()
		if !ok {
			return d.fail(path, "expected document, got %s", v.kind)
		}
		m, err := d.r.shape(dst.Type())
		if err != nil {
			return err
		}
		dst.Set(reflect.Zero(dst.Type()))
		return d.decodeStruct(m, doc, dst, path)
	default:
		return d.fail(path, "unsupported target type %s", dst.Type())
	}

	return nil
}

func (d decoder) decodeStruct(m *EntityMapping, doc Document, dst reflect.Value, path string) error {
	for _, fd := range m.Fields {
		raw, ok := doc[fd.Key]
		if !ok {
			continue
		}

		fv := fieldForSet(dst, fd.index)
		fieldPath := joinPath(path, fd.Name)

		if fd.Kind == FieldIdentifier {
			s, ok := raw.Str()
			if !ok && !raw.IsNull() {
				return d.fail(fieldPath, "malformed identifier: expected string, got %s", raw.kind)
			}
			fv.SetString(s)
			continue
		}

		if err := d.decode(fv, raw, fieldPath); err != nil {
			return err
		}
	}

	return nil
}

var (
	valueType    = reflect.TypeOf(Value{})
	documentType = reflect.TypeOf(Document{})
	dbTableType  = reflect.TypeOf(DBTable{})
)

func fieldKind(t reflect.Type) (FieldKind, error) {
	switch t {
	case valueType:
		return FieldDynamic, nil
	case documentType:
		return FieldNested, nil
	}

	switch t.Kind() {
	case reflect.Ptr:
		return fieldKind(t.Elem())
	case reflect.String:
		return FieldString, nil
	case reflect.Bool:
		return FieldBool, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return FieldNumber, nil
	case reflect.Slice, reflect.Array:
		if _, err := fieldKind(t.Elem()); err != nil {
			return 0, err
		}
		return FieldArray, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return 0, fmt.Errorf("map key must be a string, got %s", t.Key())
		}
		if _, err := fieldKind(t.Elem()); err != nil {
			return 0, err
		}
		return FieldNested, nil
	case reflect.Struct:
		if opaqueStruct(t) {
			return 0, fmt.Errorf("struct %s has no exported fields", t)
		}
		return FieldNested, nil
	case reflect.Interface:
		return FieldDynamic, nil
	}

	return 0, fmt.Errorf("unsupported kind %s", t.Kind())
}

// opaqueStruct reports whether t has fields but none a mapping can reach,
// like time.Time.
func opaqueStruct(t reflect.Type) bool {
	if t.NumField() == 0 {
		return false
	}

	var reachable func(st reflect.Type, depth int) bool
	reachable = func(st reflect.Type, depth int) bool {
		for i := 0; i < st.NumField(); i++ {
			field := st.Field(i)
			if field.IsExported() {
				return true
			}
			if ft := derefType(field.Type); field.Anonymous && ft.Kind() == reflect.Struct && depth < 8 {
				if reachable(ft, depth+1) {
					return true
				}
			}
		}
		return false
	}

	return !reachable(t, 0)
}

func structElem(t reflect.Type) reflect.Type {
	t = derefType(t)
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = derefType(t.Elem())
	}
	if t.Kind() == reflect.Struct && t != valueType {
		return t
	}
	return nil
}

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// fieldByIndex reads a possibly embedded field; ok is false when an embedded
// pointer on the way is nil.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, bool) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, true
}

// fieldForSet returns a settable field, allocating nil embedded pointers.
func fieldForSet(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

func memberName(goName string) string {
	if strings.ToUpper(goName) == goName {
		return strings.ToLower(goName)
	}
	return strcase.ToLowerCamel(goName)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, c := range seg {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
