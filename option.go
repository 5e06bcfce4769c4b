package docmap

import (
	"go.uber.org/zap"
)

type TemplateOption func(t *Template)

// WithRegistry replaces DefaultRegistry for mapping resolution.
func WithRegistry(r *Registry) TemplateOption {
	return func(t *Template) {
		t.registry = r
	}
}

func WithLogger(logger *zap.Logger) TemplateOption {
	return func(t *Template) {
		t.log = logger.Sugar()
	}
}

type QueryOption func(o *queryOption)

type queryOption struct {
	collection string
}

// InCollection addresses the named collection instead of the one mapped from
// the source type. With a nil source, field names are used verbatim.
func InCollection(name string) QueryOption {
	return func(o *queryOption) {
		o.collection = name
	}
}

func queryOptions(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}
	return opt
}

type RepositoryOption func(o *repositoryOption)

type repositoryOption struct {
	initValues any
	name       string
}

// InitWith seeds a new repository with values, skipping those whose
// identifier already exists.
func InitWith(values any) RepositoryOption {
	return func(o *repositoryOption) {
		o.initValues = values
	}
}

// WithName stores the repository's entities in the named collection.
func WithName(name string) RepositoryOption {
	return func(o *repositoryOption) {
		o.name = name
	}
}
