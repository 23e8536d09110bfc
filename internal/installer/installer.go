// Package installer 把下载完成的安装包复制到安装目录，并在 installed.json 中记录已安装列表。
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/bytedance/sonic"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/nxstore/storefront/internal/logging"
)

const (
	dbFileName   = "installed.json"
	copyChunk    = 1 << 20
	defaultExt   = ".nro"
	maxSlugRunes = 48
)

var (
	// ErrNotInstalled 表示指定 ID 的包不在安装记录中。
	ErrNotInstalled = errors.New("package not installed")
	// ErrEmptySource 表示待安装文件为空。
	ErrEmptySource = errors.New("install source is empty")
)

// Status 描述一次安装的阶段。
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusCopying   Status = "copying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress 是安装过程中的进度快照。
type Progress struct {
	Status       Status
	BytesWritten int64
	TotalBytes   int64
	Err          error
}

// ProgressFunc 接收安装进度，可以为 nil。
type ProgressFunc func(Progress)

// Package 是一条安装记录。
type Package struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size"`
	InstalledAt time.Time `json:"installedAt"`
}

type database struct {
	Packages []Package `json:"packages"`
}

// Options 描述安装器的目录与日志依赖。
type Options struct {
	InstallDir string
	Extension  string
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Installer 串行化对 installed.json 的读写：进程内用互斥锁，跨进程用文件锁。
type Installer struct {
	dir    string
	ext    string
	dbPath string
	lock   *flock.Flock
	logger *logrus.Logger
	now    func() time.Time

	mu       sync.Mutex
	packages []Package
}

// New 创建安装目录、载入安装记录并扫描目录中未登记的文件。
func New(opts Options) (*Installer, error) {
	if opts.InstallDir == "" {
		return nil, errors.New("install dir required")
	}
	if opts.Extension == "" {
		opts.Extension = defaultExt
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dir, err := filepath.Abs(opts.InstallDir)
	if err != nil {
		return nil, fmt.Errorf("resolve install dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create install dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	in := &Installer{
		dir:    dir,
		ext:    opts.Extension,
		dbPath: dbPath,
		lock:   flock.New(dbPath + ".lock"),
		logger: opts.Logger,
		now:    opts.Now,
	}
	if err := in.load(); err != nil {
		return nil, err
	}
	if _, err := in.Scan(); err != nil {
		return nil, err
	}
	return in, nil
}

// Dir 返回安装目录的绝对路径。
func (in *Installer) Dir() string {
	return in.dir
}

// Install 把 sourcePath 复制为安装目录下的 <id><ext>，成功后写入安装记录。
func (in *Installer) Install(ctx context.Context, sourcePath, name, version string, onProgress ProgressFunc) (Package, error) {
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}
	fail := func(err error) (Package, error) {
		report(Progress{Status: StatusFailed, Err: err})
		in.logger.WithFields(logrus.Fields{
			"action": "install",
			"name":   name,
			"source": sourcePath,
		}).WithError(err).Warn("install failed")
		return Package{}, err
	}

	report(Progress{Status: StatusPreparing})

	src, err := os.Open(sourcePath)
	if err != nil {
		return fail(fmt.Errorf("open install source: %w", err))
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat install source: %w", err))
	}
	total := info.Size()
	if total == 0 {
		return fail(ErrEmptySource)
	}

	id := in.newID(name)
	dest, err := securejoin.SecureJoin(in.dir, id+in.ext)
	if err != nil {
		return fail(fmt.Errorf("resolve install path: %w", err))
	}

	written, err := in.copyFile(ctx, src, dest, total, report)
	if err != nil {
		os.Remove(dest)
		return fail(err)
	}

	pkg := Package{
		ID:          id,
		Name:        name,
		Version:     version,
		Path:        dest,
		SizeBytes:   written,
		InstalledAt: in.now().UTC(),
	}
	if err := in.update(func(pkgs []Package) []Package {
		return append(pkgs, pkg)
	}); err != nil {
		os.Remove(dest)
		return fail(err)
	}

	report(Progress{Status: StatusCompleted, BytesWritten: written, TotalBytes: total})
	in.logger.WithFields(logrus.Fields{
		"action":  "install",
		"id":      pkg.ID,
		"name":    pkg.Name,
		"version": pkg.Version,
		"path":    pkg.Path,
		"bytes":   pkg.SizeBytes,
	}).Info("package installed")
	return pkg, nil
}

func (in *Installer) copyFile(ctx context.Context, src io.Reader, dest string, total int64, report ProgressFunc) (int64, error) {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create install target: %w", err)
	}

	buf := make([]byte, copyChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return written, fmt.Errorf("write install target: %w", err)
			}
			written += int64(n)
			report(Progress{Status: StatusCopying, BytesWritten: written, TotalBytes: total})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return written, fmt.Errorf("read install source: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close install target: %w", err)
	}
	return written, nil
}

// Uninstall 删除安装文件与记录。
func (in *Installer) Uninstall(id string) error {
	var removed *Package
	err := in.update(func(pkgs []Package) []Package {
		for i := range pkgs {
			if pkgs[i].ID == id {
				p := pkgs[i]
				removed = &p
				return append(pkgs[:i], pkgs[i+1:]...)
			}
		}
		return pkgs
	})
	if err != nil {
		return err
	}
	if removed == nil {
		return ErrNotInstalled
	}
	if err := os.Remove(removed.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove package file: %w", err)
	}
	in.logger.WithFields(logrus.Fields{
		"action": "uninstall",
		"id":     id,
		"path":   removed.Path,
	}).Info("package uninstalled")
	return nil
}

// Scan 把安装目录中存在但未登记的文件补进安装记录，返回新增数量。
func (in *Installer) Scan() (int, error) {
	matches, err := filepath.Glob(filepath.Join(in.dir, "*"+in.ext))
	if err != nil {
		return 0, fmt.Errorf("scan install dir: %w", err)
	}

	added := 0
	err = in.update(func(pkgs []Package) []Package {
		known := make(map[string]struct{}, len(pkgs))
		for _, p := range pkgs {
			known[p.Path] = struct{}{}
		}
		for _, path := range matches {
			if _, ok := known[path]; ok {
				continue
			}
			info, statErr := os.Stat(path)
			if statErr != nil || info.IsDir() {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(path), in.ext)
			pkgs = append(pkgs, Package{
				ID:          id,
				Name:        id,
				Version:     "unknown",
				Path:        path,
				SizeBytes:   info.Size(),
				InstalledAt: info.ModTime().UTC(),
			})
			added++
		}
		return pkgs
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		in.logger.WithFields(logrus.Fields{
			"action": "install_scan",
			"dir":    in.dir,
			"added":  added,
		}).Info("registered untracked packages")
	}
	return added, nil
}

func (in *Installer) IsInstalled(id string) bool {
	_, ok := in.Get(id)
	return ok
}

func (in *Installer) Get(id string) (Package, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, p := range in.packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}

// Installed 返回安装记录副本。
func (in *Installer) Installed() []Package {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Package(nil), in.packages...)
}

// HasUpdate 报告目录中的版本是否比已安装版本更新。
// 任一版本号无法按语义化版本解析时，退化为字符串不等比较。
func HasUpdate(pkg Package, catalogVersion string) bool {
	if catalogVersion == "" {
		return false
	}
	installed, errA := semver.NewVersion(pkg.Version)
	latest, errB := semver.NewVersion(catalogVersion)
	if errA != nil || errB != nil {
		return pkg.Version != catalogVersion
	}
	return latest.GreaterThan(installed)
}

// newID 生成 <slug>_<十六进制时间戳>，与已有记录或文件冲突时追加序号。
func (in *Installer) newID(name string) string {
	base := slug(name) + "_" + strconv.FormatInt(in.now().Unix(), 16)
	id := base
	for n := 2; in.taken(id); n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	return id
}

func (in *Installer) taken(id string) bool {
	if in.IsInstalled(id) {
		return true
	}
	_, err := os.Stat(filepath.Join(in.dir, id+in.ext))
	return err == nil
}

func slug(name string) string {
	var b strings.Builder
	lastDash := false
	count := 0
	for _, r := range strings.ToLower(name) {
		if count >= maxSlugRunes {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
			count++
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
			count++
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "package"
	}
	return out
}

// load 在文件锁下读取 installed.json。
func (in *Installer) load() error {
	if err := in.lock.Lock(); err != nil {
		return fmt.Errorf("lock install db: %w", err)
	}
	defer in.lock.Unlock()

	pkgs, err := in.readDB()
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.packages = pkgs
	in.mu.Unlock()
	return nil
}

// update 在文件锁下重新读取记录、应用 fn 并写回。
func (in *Installer) update(fn func([]Package) []Package) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.lock.Lock(); err != nil {
		return fmt.Errorf("lock install db: %w", err)
	}
	defer in.lock.Unlock()

	pkgs, err := in.readDB()
	if err != nil {
		return err
	}
	pkgs = fn(pkgs)
	if err := in.writeDB(pkgs); err != nil {
		return err
	}
	in.packages = pkgs
	return nil
}

func (in *Installer) readDB() ([]Package, error) {
	data, err := os.ReadFile(in.dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read install db: %w", err)
	}
	var db database
	if err := sonic.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("decode install db %s: %w", in.dbPath, err)
	}
	return db.Packages, nil
}

func (in *Installer) writeDB(pkgs []Package) error {
	if pkgs == nil {
		pkgs = []Package{}
	}
	data, err := sonic.ConfigStd.MarshalIndent(database{Packages: pkgs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode install db: %w", err)
	}
	tmp, err := os.CreateTemp(in.dir, ".installed-*")
	if err != nil {
		return fmt.Errorf("write install db: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write install db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write install db: %w", err)
	}
	if err := os.Rename(tmpName, in.dbPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write install db: %w", err)
	}
	return nil
}
