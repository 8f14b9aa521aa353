package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/offlinecore/internal/model"
	"github.com/hitoshi/offlinecore/internal/store"
)

// Snapshot は解決に使用する保存層の内容。解決1回につき1度だけ読み込む。
type Snapshot struct {
	Subject  string
	Session  *model.SessionSnapshot
	Profile  *model.OfflineUserProfile
	Role     *model.RoleRecord
	BranchID string
}

// Strategy は解決戦略。スナップショットとそれまでの途中結果から新しい途中結果を返す純粋関数。
type Strategy struct {
	Name  string
	Apply func(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity
}

// DefaultStrategies は固定の優先順位で並んだ解決戦略を返す。
//
//  1. セッション層のセッション記録（支店があるときのみ採用）
//  2. 永続層のプロフィール（支店があるときのみ採用）
//  3. 永続層のロール記録（支店が無ければプロフィールの支店で補完）
//  4. プロフィールの部分的な結果（それまでに何も得られていない場合のみ）
//  5. 永続層の支店ID記録（支店が未確定なら途中結果に合成）
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "session", Apply: fromSession},
		{Name: "profile", Apply: fromProfile},
		{Name: "role_record", Apply: fromRoleRecord},
		{Name: "profile_partial", Apply: fromProfilePartial},
		{Name: "branch_record", Apply: fromBranchRecord},
	}
}

func fromSession(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity {
	if s.Session == nil {
		return acc
	}
	meta := s.Session.User.UserMetadata
	if meta.BranchID == "" {
		return acc
	}
	return model.ResolvedIdentity{Role: meta.Role, BranchID: meta.BranchID}
}

func fromProfile(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity {
	if s.Profile == nil || s.Profile.BranchID == "" {
		return acc
	}
	return model.ResolvedIdentity{Role: s.Profile.Role, BranchID: s.Profile.BranchID}
}

func fromRoleRecord(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity {
	if s.Role == nil || (s.Role.Role == "" && s.Role.BranchID == "") {
		return acc
	}
	id := model.ResolvedIdentity{Role: s.Role.Role, BranchID: s.Role.BranchID}
	if id.BranchID == "" && s.Profile != nil {
		id.BranchID = s.Profile.BranchID
	}
	return id
}

func fromProfilePartial(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity {
	if !acc.Empty() || s.Profile == nil {
		return acc
	}
	return model.ResolvedIdentity{Role: s.Profile.Role, BranchID: s.Profile.BranchID}
}

func fromBranchRecord(s Snapshot, acc model.ResolvedIdentity) model.ResolvedIdentity {
	if acc.BranchID != "" || s.BranchID == "" {
		return acc
	}
	acc.BranchID = s.BranchID
	return acc
}

// Fold は戦略を順に適用し、支店が確定した時点で打ち切る。
func Fold(strategies []Strategy, s Snapshot) model.ResolvedIdentity {
	var acc model.ResolvedIdentity
	for _, st := range strategies {
		acc = st.Apply(s, acc)
		if acc.BranchID != "" {
			break
		}
	}
	return acc
}

// memoState は解決結果のメモの状態。
type memoState int

const (
	memoUnresolved memoState = iota
	memoResolved
	memoCleared
)

// Resolver は認証済みユーザーのロールと支店を解決する。
// 解決は認証主体ごとに1回だけ行い、ログイン・ログアウトの遷移でのみ無効化される。
// 同じ主体のセッション中に保存層が変化しても再計算しない。
type Resolver struct {
	reader     store.Reader
	strategies []Strategy
	logger     *slog.Logger

	mu       sync.Mutex
	state    memoState
	subject  string
	identity model.ResolvedIdentity
}

// NewResolver はDefaultStrategiesを使用するResolverを生成する。
func NewResolver(reader store.Reader, logger *slog.Logger) *Resolver {
	return &Resolver{
		reader:     reader,
		strategies: DefaultStrategies(),
		logger:     logger,
	}
}

// Resolve は主体のResolvedIdentityを返す。
// 同じ主体について解決済みであれば保存層を読まずにメモを返す。
// 主体が空の場合（未認証）はゼロ値を返す。
func (r *Resolver) Resolve(ctx context.Context, subject string) model.ResolvedIdentity {
	if subject == "" {
		return model.ResolvedIdentity{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == memoResolved && r.subject == subject {
		return r.identity
	}

	snap := r.load(ctx, subject)
	identity := Fold(r.strategies, snap)

	r.state = memoResolved
	r.subject = subject
	r.identity = identity

	r.logger.Info("ユーザーのロールと支店を解決しました",
		slog.String("user_id", subject),
		slog.String("role", identity.Role),
		slog.String("branch_id", identity.BranchID),
	)
	return identity
}

// Invalidate はメモを未解決に戻す。ログイン時に呼び出す。
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = memoUnresolved
	r.subject = ""
	r.identity = model.ResolvedIdentity{}
}

// Clear はメモを破棄し、解決済みの結果を消去する。ログアウト時に呼び出す。
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = memoCleared
	r.subject = ""
	r.identity = model.ResolvedIdentity{}
}

// load は全ての情報源を1度ずつ読み込む。
// セッション記録とプロフィールは主体と一致しない場合は採用しない。
func (r *Resolver) load(ctx context.Context, subject string) Snapshot {
	snap := Snapshot{Subject: subject}

	var sess model.SessionSnapshot
	if r.reader.Get(ctx, store.TierSession, store.KeyOfflineSession, &sess) && matches(sess.User.ID, subject) {
		snap.Session = &sess
	}

	var profile model.OfflineUserProfile
	if r.reader.Get(ctx, store.TierPersistent, store.KeyOfflineUser, &profile) && matches(profile.ID, subject) {
		snap.Profile = &profile
	}

	var role model.RoleRecord
	if r.reader.Get(ctx, store.TierPersistent, store.KeyUserRole, &role) {
		snap.Role = &role
	}

	var branchID string
	if r.reader.Get(ctx, store.TierPersistent, store.KeyUserBranchID, &branchID) {
		snap.BranchID = branchID
	}

	return snap
}

func matches(recordID, subject string) bool {
	return recordID == "" || recordID == subject
}
