package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xela07ax/auditchain-core/internal/domain"
)

// ObjectStore — внешний коллаборатор для холодного хранилища (S3/GCS/MinIO).
// Ядру нужны только четыре операции; реализация движка — вне зоны
// ответственности конвейера.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// FSStore — локальный адаптер object store поверх файловой системы.
// Для single-node инсталляций и интеграционных прогонов; в проде сюда
// встает S3-совместимый клиент.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, &domain.StoreError{Op: "fsstore.init", Chunk: -1, Cause: err}
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	// Ключи вида "archive/2026-08-31_ab12.json.gz" — слэш остается каталогом
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return &domain.StoreError{Op: "fsstore.put", Chunk: -1, Cause: err}
	}
	// Пишем во временный файл и переименовываем — объект либо есть целиком, либо его нет
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return &domain.StoreError{Op: "fsstore.put", Chunk: -1, Cause: err}
	}
	if err := os.Rename(tmp, p); err != nil {
		return &domain.StoreError{Op: "fsstore.put", Chunk: -1, Cause: err}
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.NotFoundError{Kind: "archive object", ID: key}
		}
		return nil, &domain.StoreError{Op: "fsstore.get", Chunk: -1, Cause: err}
	}
	return data, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.StoreError{Op: "fsstore.list", Chunk: -1, Cause: err}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return &domain.StoreError{Op: "fsstore.delete", Chunk: -1, Cause: err}
	}
	return nil
}
