package blob

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/texel/promptstore/pkg/contracts"
)

var tracer = otel.Tracer("promptstore/blob")

// WithTracing wraps acc so every call runs in its own span. The result still
// implements contracts.BlobCopier when acc does.
func WithTracing(acc contracts.BlobAccessor, backend string) contracts.BlobAccessor {
	t := &traced{inner: acc, backend: backend}
	if c, ok := acc.(contracts.BlobCopier); ok {
		return &tracedCopier{traced: t, copier: c}
	}
	return t
}

type traced struct {
	inner   contracts.BlobAccessor
	backend string
}

func (t *traced) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "blob."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("blob.backend", t.backend),
			attribute.String("blob.key", key),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(contracts.KindOf(err)))
	}
	span.End()
}

func (t *traced) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := t.start(ctx, "exists", key)
	ok, err := t.inner.Exists(ctx, key)
	span.SetAttributes(attribute.Bool("blob.exists", ok))
	finish(span, err)
	return ok, err
}

func (t *traced) Get(ctx context.Context, key string, opts contracts.GetOptions) (*contracts.Blob, error) {
	ctx, span := t.start(ctx, "get", key)
	b, err := t.inner.Get(ctx, key, opts)
	if b != nil {
		span.SetAttributes(attribute.Int("blob.size", len(b.Data)))
	}
	finish(span, err)
	return b, err
}

func (t *traced) Put(ctx context.Context, key string, data []byte, opts contracts.PutOptions) (string, error) {
	ctx, span := t.start(ctx, "put", key)
	span.SetAttributes(
		attribute.Int("blob.size", len(data)),
		attribute.Bool("blob.conditional", opts.IfMatch != "" || opts.IfNoneMatch != ""),
	)
	etag, err := t.inner.Put(ctx, key, data, opts)
	finish(span, err)
	return etag, err
}

func (t *traced) Delete(ctx context.Context, key string, opts contracts.DeleteOptions) (bool, error) {
	ctx, span := t.start(ctx, "delete", key)
	deleted, err := t.inner.Delete(ctx, key, opts)
	span.SetAttributes(attribute.Bool("blob.deleted", deleted))
	finish(span, err)
	return deleted, err
}

func (t *traced) List(ctx context.Context, prefix string) iter.Seq2[contracts.BlobInfo, error] {
	return func(yield func(contracts.BlobInfo, error) bool) {
		ctx, span := t.start(ctx, "list", prefix)
		var (
			n   int
			err error
		)
		for info, e := range t.inner.List(ctx, prefix) {
			if e != nil {
				err = e
				yield(info, e)
				break
			}
			n++
			if !yield(info, nil) {
				break
			}
		}
		span.SetAttributes(attribute.Int("blob.count", n))
		finish(span, err)
	}
}

type tracedCopier struct {
	*traced
	copier contracts.BlobCopier
}

func (t *tracedCopier) Copy(ctx context.Context, src, dst string, overwrite bool) (string, error) {
	ctx, span := t.start(ctx, "copy", src)
	span.SetAttributes(
		attribute.String("blob.dst", dst),
		attribute.Bool("blob.overwrite", overwrite),
	)
	etag, err := t.copier.Copy(ctx, src, dst, overwrite)
	finish(span, err)
	return etag, err
}
