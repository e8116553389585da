package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/traefik/yaegi/interp"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/digest"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

const (
	scriptExt  = ".go"
	clientExt  = ".client.js"
	modulesDir = "modules"
)

// LoadError reports a script that exists but could not be compiled.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// scope is shared by every environment under one baseName. Only one of them
// runs at a time, so a single slot names the running activation for all of
// their interpreters.
type scope struct {
	active atomic.Pointer[engine.Activation]
}

func (s *scope) load() *engine.Activation { return s.active.Load() }

// Document is a compiled page script.
type Document struct {
	*engine.Document
	scope *scope
	path  string
}

func (d *Document) Activate(act *engine.Activation) {
	d.scope.active.Store(act)
	d.Document.Activate(act)
}

func (d *Document) Active() *engine.Activation { return d.scope.load() }

// Path is the script's path inside the library.
func (d *Document) Path() string { return d.path }

// Module is a compiled module script imported under one baseName.
type Module struct {
	*engine.Module
	scope *scope
	path  string
}

func (m *Module) Activate(act *engine.Activation) {
	m.scope.active.Store(act)
	m.Module.Activate(act)
}

func (m *Module) Active() *engine.Activation { return m.scope.load() }

func (m *Module) Path() string { return m.path }

type moduleKey struct {
	baseName   string
	identifier string
}

// Library loads scripts from a file system and caches one environment per
// document and per (document, module) pair.
//
// Layout:
//
//	<baseName>.go          document script
//	<baseName>.client.js   optional browser source served with the document
//	modules/<id>.go        module script
//
// An environment whose source changed is replaced by a fresh one on the
// next lookup once it is Initialized. An environment still Initializing is
// never replaced.
type Library struct {
	fsys    fs.FS
	logger  *slog.Logger
	symbols []interp.Exports

	mu      sync.Mutex
	docs    map[string]*Document
	modules map[moduleKey]*Module
	scopes  map[string]*scope
}

// Option configures a Library.
type Option func(*Library)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lib *Library) { lib.logger = l }
}

// WithSymbols makes additional packages importable by scripts.
func WithSymbols(syms interp.Exports) Option {
	return func(lib *Library) { lib.symbols = append(lib.symbols, syms) }
}

// NewLibrary creates a library over fsys.
func NewLibrary(fsys fs.FS, opts ...Option) *Library {
	l := &Library{
		fsys:    fsys,
		logger:  slog.Default(),
		docs:    make(map[string]*Document),
		modules: make(map[moduleKey]*Module),
		scopes:  make(map[string]*scope),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FindOrLoadDocumentEnvironment implements engine.Resources.
func (l *Library) FindOrLoadDocumentEnvironment(baseName string) (engine.DocumentEnvironment, error) {
	name, err := documentName(baseName)
	if err != nil {
		return nil, err
	}
	path := name + scriptExt
	server, err := l.read(path)
	if err != nil {
		return nil, err
	}
	client, err := l.readOptional(name + clientExt)
	if err != nil {
		return nil, err
	}
	hash, err := digest.DocumentHash(name, server, client)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.docs[name]; ok {
		if cur.Hash() == hash || cur.State() != engine.Initialized {
			return cur, nil
		}
		l.logger.Info("document changed, reloading",
			"base_name", name,
			"old_hash", cur.Hash(),
			"new_hash", hash,
		)
		l.forgetModules(name)
	}

	sc := l.scopeFor(name)
	c, err := l.compile(name, path, server, sc)
	if err != nil {
		return nil, err
	}
	doc := &Document{
		Document: engine.NewDocument(engine.EnvironmentConfig{
			Name:    name,
			Hash:    hash,
			Program: c.program,
			Resolve: c.resolve,
		}, string(client)),
		scope: sc,
		path:  path,
	}
	l.docs[name] = doc
	l.logger.Debug("document loaded", "base_name", name, "hash", hash)
	return doc, nil
}

// FindOrLoadModuleEnvironment implements engine.Resources.
func (l *Library) FindOrLoadModuleEnvironment(baseName, identifier string) (engine.ModuleEnvironment, error) {
	id, err := digest.NormalizeName(identifier)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", identifier, engine.ErrNotFound)
	}
	path := modulePath(id)
	source, err := l.read(path)
	if err != nil {
		return nil, err
	}
	hash, err := digest.ModuleHash(id, source)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := moduleKey{baseName: baseName, identifier: id}
	if cur, ok := l.modules[key]; ok {
		if cur.Hash() == hash || cur.State() != engine.Initialized {
			return cur, nil
		}
		l.logger.Info("module changed, reloading",
			"base_name", baseName,
			"module", id,
			"old_hash", cur.Hash(),
			"new_hash", hash,
		)
	}

	sc := l.scopeFor(baseName)
	c, err := l.compile(id, path, source, sc)
	if err != nil {
		return nil, err
	}
	mod := &Module{
		Module: engine.NewModule(engine.EnvironmentConfig{
			Name:     id,
			BaseName: baseName,
			Hash:     hash,
			Program:  c.program,
			Resolve:  c.resolve,
		}, id, func() bool { return l.moduleChanged(id, hash) }),
		scope: sc,
		path:  path,
	}
	l.modules[key] = mod
	l.logger.Debug("module loaded", "base_name", baseName, "module", id, "hash", hash)
	return mod, nil
}

// Document returns the cached document for baseName without touching the
// file system.
func (l *Library) Document(baseName string) (*Document, bool) {
	name, err := digest.NormalizeName(baseName)
	if err != nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.docs[name]
	return doc, ok
}

// Module returns the cached module identifier under baseName.
func (l *Library) Module(baseName, identifier string) (*Module, bool) {
	id, err := digest.NormalizeName(identifier)
	if err != nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	mod, ok := l.modules[moduleKey{baseName: baseName, identifier: id}]
	return mod, ok
}

// Report is the result of Check.
type Report struct {
	Checked  []string
	Problems []Problem
}

// Check compiles every script in the library without caching anything.
// Package-level declarations are evaluated; Main is not run.
func (l *Library) Check() (*Report, error) {
	report := &Report{}
	err := fs.WalkDir(l.fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, scriptExt) {
			return nil
		}
		source, err := fs.ReadFile(l.fsys, path)
		if err != nil {
			return err
		}
		report.Checked = append(report.Checked, path)
		if _, err := l.compile(strings.TrimSuffix(path, scriptExt), path, source, &scope{}); err != nil {
			report.Problems = append(report.Problems, Problem{Path: path, Err: err})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	return report, nil
}

func (l *Library) moduleChanged(id, hash string) bool {
	source, err := l.read(modulePath(id))
	if err != nil {
		return true
	}
	current, err := digest.ModuleHash(id, source)
	return err != nil || current != hash
}

// forgetModules drops the settled modules of a document being replaced.
// Modules still initializing stay until their load finishes.
func (l *Library) forgetModules(baseName string) {
	for key, mod := range l.modules {
		if key.baseName == baseName && mod.State() == engine.Initialized {
			delete(l.modules, key)
		}
	}
}

func (l *Library) scopeFor(baseName string) *scope {
	sc, ok := l.scopes[baseName]
	if !ok {
		sc = &scope{}
		l.scopes[baseName] = sc
	}
	return sc
}

func (l *Library) read(path string) ([]byte, error) {
	b, err := fs.ReadFile(l.fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func (l *Library) readOptional(path string) ([]byte, error) {
	b, err := fs.ReadFile(l.fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// documentName normalizes baseName. Names inside the modules directory are
// not documents.
func documentName(baseName string) (string, error) {
	name, err := digest.NormalizeName(baseName)
	if err != nil {
		return "", fmt.Errorf("document %q: %w", baseName, engine.ErrNotFound)
	}
	if name == modulesDir || strings.HasPrefix(name, modulesDir+"/") {
		return "", fmt.Errorf("document %q: %w", baseName, engine.ErrNotFound)
	}
	return name, nil
}

func modulePath(id string) string {
	return modulesDir + "/" + id + scriptExt
}
