package behavior

import (
	"fmt"
	"sort"
	"sync"

	xerrors "BehaviorMesh/internal/errors"
)

// Registry 保存按名称注册的行为模板，供服务层在处理运行请求时解析。
// 注册通常发生在进程启动阶段，此后只读。
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry 创建一个空的模板注册表。
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register 注册一份模板。同名重复注册返回冲突错误。
func (r *Registry) Register(t *Template) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "模板不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[t.Name()]; ok {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("行为 %s 已注册", t.Name()))
	}
	r.templates[t.Name()] = t
	return nil
}

// Get 按名称返回模板。
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, ErrBehaviorNotFound
	}
	return t, nil
}

// Names 返回已注册的行为名称，按字典序排列。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
