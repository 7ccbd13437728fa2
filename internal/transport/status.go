package transport

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/roach88/lofisync/internal/reconcile"
)

// Metadata keys.
const (
	MDClient   = "x-lofisync-client"
	MDUser     = "x-lofisync-user"
	MDAudience = "x-lofisync-audience"

	mdKind        = "x-lofisync-error-kind"
	mdFirstUnseen = "x-lofisync-first-unseen"
	mdMinRetained = "x-lofisync-min-retained"
)

var kindCodes = map[reconcile.Kind]codes.Code{
	reconcile.KindInvalidBatch: codes.InvalidArgument,
	reconcile.KindBehindHead:   codes.FailedPrecondition,
	reconcile.KindDenied:       codes.PermissionDenied,
	reconcile.KindInternal:     codes.Internal,
	reconcile.KindCompacted:    codes.OutOfRange,
}

// CodeOf maps an error kind to its gRPC code.
func CodeOf(k reconcile.Kind) codes.Code {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return codes.Internal
}

// kindOfCode is the inverse of CodeOf, used when the kind trailer is missing.
func kindOfCode(c codes.Code) reconcile.Kind {
	switch c {
	case codes.InvalidArgument:
		return reconcile.KindInvalidBatch
	case codes.FailedPrecondition:
		return reconcile.KindBehindHead
	case codes.PermissionDenied, codes.Unauthenticated:
		return reconcile.KindDenied
	case codes.OutOfRange:
		return reconcile.KindCompacted
	default:
		return reconcile.KindInternal
	}
}

// toStatus converts a protocol error into a gRPC status error and attaches
// the cursor hints as trailers.
func toStatus(ctx context.Context, logger *slog.Logger, err error) error {
	if err == nil {
		return nil
	}
	e := reconcile.Classify(err)

	md := metadata.Pairs(mdKind, string(e.Kind))
	if e.FirstUnseenIngestID > 0 {
		md.Append(mdFirstUnseen, strconv.FormatUint(e.FirstUnseenIngestID, 10))
	}
	if e.MinRetainedIngestID > 0 {
		md.Append(mdMinRetained, strconv.FormatUint(e.MinRetainedIngestID, 10))
	}
	if terr := grpc.SetTrailer(ctx, md); terr != nil {
		logger.DebugContext(ctx, "set error trailer failed", "kind", e.Kind, "error", terr)
	}

	msg := e.Message
	if e.Kind != reconcile.KindInternal && e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return status.Error(CodeOf(e.Kind), msg)
}

// fromStatus rebuilds a *reconcile.Error from a gRPC error and its trailer.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &reconcile.Error{Kind: reconcile.KindInternal, Message: "transport", Err: err}
	}
	if st.Code() == codes.Canceled || st.Code() == codes.DeadlineExceeded {
		return &reconcile.Error{Kind: reconcile.KindInternal, Message: st.Message(), Err: errors.Join(err, contextErr(st.Code()))}
	}

	kind := kindOfCode(st.Code())
	if v := trailer.Get(mdKind); len(v) > 0 {
		kind = reconcile.Kind(v[0])
	}
	return &reconcile.Error{
		Kind:                kind,
		Message:             st.Message(),
		FirstUnseenIngestID: trailerUint(trailer, mdFirstUnseen),
		MinRetainedIngestID: trailerUint(trailer, mdMinRetained),
	}
}

func contextErr(c codes.Code) error {
	if c == codes.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return context.Canceled
}

func trailerUint(md metadata.MD, key string) uint64 {
	v := md.Get(key)
	if len(v) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(v[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// principalFrom reads the caller identity from incoming metadata.
func principalFrom(ctx context.Context) (reconcile.Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return reconcile.Principal{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	p := reconcile.Principal{
		ClientID:  first(MDClient),
		UserID:    first(MDUser),
		Audiences: md.Get(MDAudience),
	}
	if p.ClientID == "" {
		return p, status.Errorf(codes.Unauthenticated, "missing %s", MDClient)
	}
	return p, nil
}

// withPrincipal attaches the caller identity to an outgoing context.
func withPrincipal(ctx context.Context, p reconcile.Principal) context.Context {
	kv := []string{MDClient, p.ClientID, MDUser, p.UserID}
	for _, a := range p.Audiences {
		kv = append(kv, MDAudience, a)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
