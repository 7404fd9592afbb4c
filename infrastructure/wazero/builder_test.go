package wazero

import "bytes"

// A minimal WebAssembly binary encoder for test modules.

const (
	i32 = 0x7f
	i64 = 0x7e
)

// Opcodes used by the test modules.
const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opBrIf        = 0x0d
	opBr          = 0x0c
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalTee    = 0x22
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Add      = 0x6a
	opI32Const    = 0x41
	opI64Const    = 0x42
	opMemoryGrow  = 0x40
	opI32Sub      = 0x6b
	opI32DivS     = 0x6d
	opI64Or       = 0x84
	opI64Shl      = 0x86
	opI64ExtendU  = 0xad
	blockEmpty    = 0x40
)

type funcType struct {
	params, results []byte
}

type wasmImport struct {
	module, name string
	typ          int
}

type wasmFunc struct {
	typ    int
	export string
	locals []byte
	body   []byte
}

type wasmModule struct {
	types     []funcType
	imports   []wasmImport
	funcs     []wasmFunc
	memPages  uint32
	memMax    uint32
	hasMemory bool
	globals   []int32
}

func (m *wasmModule) typeIndex(params, results []byte) int {
	for n, t := range m.types {
		if bytes.Equal(t.params, params) && bytes.Equal(t.results, results) {
			return n
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return len(m.types) - 1
}

func (m *wasmModule) importFunc(module, name string, params, results []byte) uint32 {
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// function adds a function and returns its index. Imports must be added
// first.
func (m *wasmModule) function(export string, params, results, locals []byte, body ...byte) uint32 {
	m.funcs = append(m.funcs, wasmFunc{typ: m.typeIndex(params, results), export: export, locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

func (m *wasmModule) memory(pages uint32) {
	m.hasMemory = true
	m.memPages = pages
}

func (m *wasmModule) bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = append(types, uleb(uint64(len(m.types)))...)
	for _, t := range m.types {
		types = append(types, 0x60)
		types = append(types, vec(t.params)...)
		types = append(types, vec(t.results)...)
	}
	out = append(out, section(1, types)...)

	if len(m.imports) > 0 {
		var imps []byte
		imps = append(imps, uleb(uint64(len(m.imports)))...)
		for _, imp := range m.imports {
			imps = append(imps, name(imp.module)...)
			imps = append(imps, name(imp.name)...)
			imps = append(imps, 0x00)
			imps = append(imps, uleb(uint64(imp.typ))...)
		}
		out = append(out, section(2, imps)...)
	}

	var funcs []byte
	funcs = append(funcs, uleb(uint64(len(m.funcs)))...)
	for _, f := range m.funcs {
		funcs = append(funcs, uleb(uint64(f.typ))...)
	}
	out = append(out, section(3, funcs)...)

	if m.hasMemory {
		mem := []byte{0x01}
		if m.memMax > 0 {
			mem = append(mem, 0x01)
			mem = append(mem, uleb(uint64(m.memPages))...)
			mem = append(mem, uleb(uint64(m.memMax))...)
		} else {
			mem = append(mem, 0x00)
			mem = append(mem, uleb(uint64(m.memPages))...)
		}
		out = append(out, section(5, mem)...)
	}

	if len(m.globals) > 0 {
		globals := uleb(uint64(len(m.globals)))
		for _, g := range m.globals {
			globals = append(globals, i32, 0x01, opI32Const)
			globals = append(globals, sleb(int64(g))...)
			globals = append(globals, opEnd)
		}
		out = append(out, section(6, globals)...)
	}

	var exports [][]byte
	if m.hasMemory {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}
	for n, f := range m.funcs {
		if f.export == "" {
			continue
		}
		e := append(name(f.export), 0x00)
		exports = append(exports, append(e, uleb(uint64(len(m.imports)+n))...))
	}
	exp := uleb(uint64(len(exports)))
	for _, e := range exports {
		exp = append(exp, e...)
	}
	out = append(out, section(7, exp)...)

	var code []byte
	code = append(code, uleb(uint64(len(m.funcs)))...)
	for _, f := range m.funcs {
		var body []byte
		body = append(body, uleb(uint64(len(f.locals)))...)
		for _, l := range f.locals {
			body = append(body, 0x01, l)
		}
		body = append(body, f.body...)
		body = append(body, opEnd)
		code = append(code, uleb(uint64(len(body)))...)
		code = append(code, body...)
	}
	return append(out, section(10, code)...)
}

func section(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(contents)))...)
	return append(out, contents...)
}

func vec(b []byte) []byte {
	return append(uleb(uint64(len(b))), b...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
