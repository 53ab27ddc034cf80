package report

import (
	"context"
	"io/fs"
	"mime"
	"net/url"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

// FolderPlaceholder is replaced by the report folder in publish commands.
const FolderPlaceholder = "%(REPORT_FOLDER)s"

// Publisher copies the rendered report folder to a web host.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, folder string) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandPublisher runs a shell-style command template such as
// "rsync -a %(REPORT_FOLDER)s host:/var/www/". The template is split into
// arguments first, so a folder containing spaces stays one argument.
type CommandPublisher struct {
	args []string
	run  Runner
	log  *zap.SugaredLogger
}

// NewCommandPublisher parses template. run defaults to os/exec.
func NewCommandPublisher(template string, run Runner, log *zap.SugaredLogger) (*CommandPublisher, error) {
	args, err := shellquote.Split(template)
	if err != nil {
		return nil, errors.NewInvalidParameter("publish_cmd", "cannot parse %q: %v", template, err)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidParameter("publish_cmd", "command template is empty")
	}
	if run == nil {
		run = execRunner
	}
	return &CommandPublisher{
		args: args,
		run:  run,
		log:  logger.WithSymbol(logger.OrNop(log).Named("publish"), sym.Publish),
	}, nil
}

func (p *CommandPublisher) Name() string { return "command" }

// Command returns the argv run for folder.
func (p *CommandPublisher) Command(folder string) []string {
	argv := make([]string, len(p.args))
	for i, a := range p.args {
		argv[i] = strings.ReplaceAll(a, FolderPlaceholder, folder)
	}
	return argv
}

func (p *CommandPublisher) Publish(ctx context.Context, folder string) error {
	argv := p.Command(folder)
	start := time.Now()
	out, err := p.run(ctx, argv[0], argv[1:]...)
	if err != nil {
		return errors.WithDetail(errors.Wrapf(err, "publish command %s", shellquote.Join(argv...)), strings.TrimSpace(string(out)))
	}
	p.log.Infow("Report published",
		"command", shellquote.Join(argv...),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return nil
}

// ObjectStoreConfig configures an S3-compatible publish target.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to every object key, e.g. the project name.
	Prefix string
	Region string
	UseSSL bool
}

// ObjectStorePublisher uploads the report folder to a bucket. Files whose
// modification time has not changed since the previous publish are skipped.
type ObjectStorePublisher struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	log    *zap.SugaredLogger
	sent   map[string]time.Time
}

// NewObjectStorePublisher creates the minio client. No request is made
// until the first publish.
func NewObjectStorePublisher(cfg ObjectStoreConfig, log *zap.SugaredLogger) (*ObjectStorePublisher, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewInvalidParameter("object_store.endpoint", "endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.NewInvalidParameter("object_store.bucket", "bucket is required")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create object store client")
	}
	return &ObjectStorePublisher{
		client: client,
		cfg:    cfg,
		log:    logger.WithSymbol(logger.OrNop(log).Named("publish"), sym.Publish),
		sent:   map[string]time.Time{},
	}, nil
}

func (p *ObjectStorePublisher) Name() string { return "object_store" }

func (p *ObjectStorePublisher) Publish(ctx context.Context, folder string) error {
	uploaded := 0
	err := filepath.WalkDir(folder, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// skip directories and in-flight temp files
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if sent, ok := p.sent[file]; ok && !info.ModTime().After(sent) {
			return nil
		}
		rel, err := filepath.Rel(folder, file)
		if err != nil {
			return err
		}
		key := ObjectKey(p.cfg.Prefix, rel)
		_, err = p.client.FPutObject(ctx, p.cfg.Bucket, key, file, minio.PutObjectOptions{
			ContentType: ContentType(file),
		})
		if err != nil {
			return errors.Wrapf(err, "upload %s", key)
		}
		p.sent[file] = info.ModTime()
		uploaded++
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s to bucket %s", folder, p.cfg.Bucket)
	}
	p.log.Infow("Report uploaded", "bucket", p.cfg.Bucket, logger.FieldCount, uploaded)
	return nil
}

// ObjectKey joins prefix and a folder-relative path with forward slashes.
func ObjectKey(prefix, rel string) string {
	return strings.TrimPrefix(path.Join(prefix, filepath.ToSlash(rel)), "/")
}

// ContentType guesses the MIME type from the file extension.
func ContentType(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}
