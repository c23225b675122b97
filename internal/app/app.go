// Package app は設定から各アダプタとユースケースを組み立てます。
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ogurasousui/face-attendance/internal/adapters/facematch"
	"github.com/ogurasousui/face-attendance/internal/adapters/imagestore"
	"github.com/ogurasousui/face-attendance/internal/adapters/repository/postgres"
	"github.com/ogurasousui/face-attendance/internal/core/attendance"
	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/core/employee"
	"github.com/ogurasousui/face-attendance/internal/platform/config"
	pg "github.com/ogurasousui/face-attendance/internal/platform/db/postgres"
	"github.com/ogurasousui/face-attendance/internal/platform/imaging"
	"github.com/ogurasousui/face-attendance/internal/platform/keylock"
)

// App は起動済みの依存関係一式です。
type App struct {
	Pool       *pgxpool.Pool
	Employees  *employee.Service
	Registries *attendance.Service
	Resolver   *attendance.Resolver
	Matcher    *facematch.FaceMatcher

	images biometric.ImageStore
}

type closer interface {
	Close() error
}

// New は DB プール、画像ストア、照合器を初期化し、サービスを組み立てます。
// 照合器は DB に保存済みのテンプレートを読み込んでから返します。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := pg.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize database pool: %w", err)
	}

	images, err := newImageStore(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	txManager := pg.NewTransactionManager(pool)
	employeeRepo := postgres.NewEmployeeRepository(pool)
	registryRepo := postgres.NewRegistryRepository(pool)
	indexRepo := postgres.NewFaceIndexRepository(pool)
	templateRepo := postgres.NewFaceTemplateRepository(pool)

	bio := cfg.Biometric
	detector := facematch.NewEmbeddingClient(bio.EmbeddingURL, bio.Model, bio.RequestTimeout)
	matcher := facematch.NewFaceMatcher(detector, templateRepo, facematch.MatcherConfig{
		Dim:           bio.Dim,
		Threshold:     bio.MatchThreshold,
		MaxCandidates: bio.MaxCandidates,
		MaxImageSide:  bio.MaxImageSide,
		MaxPixels:     bio.MaxPixels,
	}, log.Default())

	a := &App{Pool: pool, Matcher: matcher, images: images}
	if err := a.loadTemplates(ctx, indexRepo); err != nil {
		a.Close()
		return nil, err
	}

	locks := keylock.New[int64]()
	inspector := imaging.Inspector{MaxPixels: bio.MaxPixels}
	callTimeout := cfg.Stores.CallTimeout

	a.Employees = employee.NewService(employee.Dependencies{
		Repo:        employeeRepo,
		Registries:  registryRepo,
		Images:      images,
		Index:       indexRepo,
		Enroller:    matcher,
		Inspector:   inspector,
		Tx:          txManager,
		Locker:      locks,
		CallTimeout: callTimeout,
	})
	a.Registries = attendance.NewService(attendance.ServiceDependencies{
		Repo:        registryRepo,
		Employees:   employeeRepo,
		Tx:          txManager,
		Locker:      locks,
		Policy:      cfg.Attendance.Policy,
		CallTimeout: callTimeout,
	})
	a.Resolver = attendance.NewResolver(attendance.ResolverDependencies{
		Matcher:     matcher,
		Resyncer:    matcher,
		Index:       indexRepo,
		Repo:        registryRepo,
		Inspector:   inspector,
		Tx:          txManager,
		Locker:      locks,
		CallTimeout: callTimeout,
		MaxParallel: cfg.Attendance.MaxParallel,
	})

	return a, nil
}

func (a *App) loadTemplates(ctx context.Context, index *postgres.FaceIndexRepository) error {
	loadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	indexed, err := index.MatchIDs(loadCtx)
	if err != nil {
		return fmt.Errorf("list indexed match ids: %w", err)
	}
	loaded, pruned, err := a.Matcher.Load(loadCtx, indexed)
	if err != nil {
		return fmt.Errorf("load face templates: %w", err)
	}
	log.Printf("loaded %d face templates (pruned %d orphans)", loaded, pruned)
	return nil
}

// Close は DB プールと画像ストアの接続を閉じます。
func (a *App) Close() {
	if c, ok := a.images.(closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("close image store: %v", err)
		}
	}
	a.Pool.Close()
}

func newImageStore(cfg *config.Config) (biometric.ImageStore, error) {
	baseURL := cfg.Server.PublicBaseURL
	switch cfg.ImageStore.Driver {
	case config.ImageStoreSFTP:
		store, err := imagestore.NewSFTPStore(cfg.ImageStore.SFTP, baseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize sftp image store: %w", err)
		}
		return store, nil
	default:
		store, err := imagestore.NewFilesystemStore(cfg.ImageStore.Filesystem.Root, baseURL)
		if err != nil {
			return nil, fmt.Errorf("initialize filesystem image store: %w", err)
		}
		return store, nil
	}
}
