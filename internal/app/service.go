package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"buildboard/api/internal/auth"
	"buildboard/api/internal/authpw"
	"buildboard/api/internal/catalog"
	"buildboard/api/internal/config"
	"buildboard/api/internal/media"
	"buildboard/api/internal/rbac"
	"buildboard/api/internal/search"
	"buildboard/api/internal/store"
	"buildboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateGuideInput struct {
	CharacterRef  string `json:"characterId"`
	SubmitterName string `json:"username"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ImagePath     string `json:"imagePath"`
}

// GuideView is the JSON shape of a guide returned to clients.
type GuideView struct {
	ID            string    `json:"id"`
	CharacterID   string    `json:"characterId"`
	CharacterName string    `json:"characterName"`
	SubmitterName string    `json:"username"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ImagePath     string    `json:"imagePath,omitempty"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
}

// GuidePage is one page of a listing. TotalPages is never below 1: an
// empty result set is page 1 of 1.
type GuidePage struct {
	Items      []GuideView `json:"items"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalPages int         `json:"totalPages"`
	TotalCount int         `json:"totalCount"`
}

const (
	defaultPageSize = 4
	maxPageSize     = 50
)

type dataStore interface {
	InsertGuide(context.Context, store.Guide) error
	GetGuide(context.Context, string) (store.Guide, error)
	ListGuidesByState(ctx context.Context, state, characterID string, limit, offset int) ([]store.Guide, error)
	CountGuidesByState(ctx context.Context, state, characterID string) (int, error)
	TransitionGuide(ctx context.Context, guideID, from, to string) (store.Guide, error)
	DeleteGuide(ctx context.Context, guideID, fromState string) (bool, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpsertUser(context.Context, store.User) error
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore is the subset of session storage that can live in Redis
// instead of Postgres.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type characterResolver interface {
	Resolve(ctx context.Context, ref string) (catalog.Character, error)
	List(ctx context.Context) ([]catalog.Character, error)
	Refresh(ctx context.Context) error
}

type mediaStore interface {
	Put(ctx context.Context, reader io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, key string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexGuide(g search.GuideRecord)
	DeleteGuide(id string)
	ReindexAllFromPG(ctx context.Context)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	catalog  characterResolver
	media    mediaStore
	search   searchIndex
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, resolver *catalog.Resolver, mediaStore *media.Store, searchService *search.Service) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   dataStore,
		catalog: resolver,
		authpw:  authpw.NewService(dataStore),
	}
	svc.sessions = dataStore
	if mediaStore != nil {
		svc.media = mediaStore
	}
	if searchService != nil {
		svc.search = searchService
	}
	return svc
}

// NewWithSessionStore uses a dedicated refresh-token backend (Redis)
// instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, resolver *catalog.Resolver, mediaStore *media.Store, searchService *search.Service) *Service {
	svc := New(cfg, dataStore, resolver, mediaStore, searchService)
	svc.sessions = sessions
	return svc
}

// Bootstrap seeds the admin account, warms the catalog cache, and rebuilds
// the search index from approved guides.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.authpw.EnsureAdmin(ctx, s.cfg.AdminEmail, s.cfg.AdminPassword, s.cfg.AdminName); err != nil {
		return err
	}
	if s.catalog != nil {
		if err := s.catalog.Refresh(ctx); err != nil {
			// Not fatal: the resolver refetches lazily on the next lookup.
			log.Printf("bootstrap: catalog warmup failed: %v", err)
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the refresh-token backend when it is a separate
// service (Redis); the Postgres fallback is covered by Ping.
func (s *Service) PingSessions(ctx context.Context) error {
	if s.sessions == nil || s.sessions == s.store {
		return nil
	}
	if pinger, ok := s.sessions.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Login verifies admin credentials and issues a session.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Redis lookups carry only the user id; re-read the role from Postgres.
	if user.Role == "" || user.Email == "" {
		if full, err := s.store.GetUserByID(ctx, user.ID); err == nil {
			user = full
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	if session.JTI != "" {
		exp := session.ExpiresAt
		if exp.IsZero() {
			exp = time.Now().Add(s.cfg.AccessTTL)
		}
		if err := s.store.RevokeAccessToken(ctx, session.JTI, exp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		Role:         string(rbac.Normalize(user.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a presented bearer credential. It is a pure
// predicate over the credential: no attempt counting, no side effects.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// adminSession is the moderation gate. It fails closed: any missing,
// malformed, expired, or revoked credential — or one without the moderate
// capability — yields the same unauthorized error, before any store read
// that could leak whether the target exists.
func (s *Service) adminSession(ctx context.Context, credential string) (Session, error) {
	if strings.TrimSpace(credential) == "" {
		return Session{}, unauthorized()
	}
	session, err := s.SessionFromToken(ctx, credential)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
			return Session{}, unauthorized()
		}
		return Session{}, err
	}
	if !rbac.Can(rbac.Role(session.Role), rbac.ActionModerate) {
		return Session{}, unauthorized()
	}
	return session, nil
}

// CheckAdmin reports whether the credential carries the admin capability.
func (s *Service) CheckAdmin(ctx context.Context, credential string) (bool, error) {
	_, err := s.adminSession(ctx, credential)
	if err == nil {
		return true, nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code == "UNAUTHORIZED" {
		return false, nil
	}
	return false, err
}

// CreateGuide validates the submission, resolves the character reference,
// and persists the guide in pending state. The catalog is consulted only
// here; later transitions never re-validate the reference.
func (s *Service) CreateGuide(ctx context.Context, input CreateGuideInput) (GuideView, error) {
	guide, err := s.validateSubmission(ctx, input)
	if err != nil {
		return GuideView{}, err
	}
	guide.ID = util.NewID("g")
	guide.State = store.StatePending
	guide.CreatedAt = time.Now().UTC()
	if err := s.store.InsertGuide(ctx, guide); err != nil {
		return GuideView{}, err
	}
	return guideView(guide), nil
}

// validateSubmission checks the field bounds and resolves the character
// reference, returning the guide skeleton to persist.
func (s *Service) validateSubmission(ctx context.Context, input CreateGuideInput) (store.Guide, error) {
	submitter := strings.TrimSpace(input.SubmitterName)
	title := strings.TrimSpace(input.Title)
	description := strings.TrimSpace(input.Description)

	if n := utf8.RuneCountInString(submitter); n < 4 || n > 20 {
		return store.Guide{}, validationError("username", "username must be 4-20 characters")
	}
	if n := utf8.RuneCountInString(title); n < 4 || n > 30 {
		return store.Guide{}, validationError("title", "title must be 4-30 characters")
	}
	if n := utf8.RuneCountInString(description); n < 10 || n > 350 {
		return store.Guide{}, validationError("description", "description must be 10-350 characters")
	}

	character, err := s.catalog.Resolve(ctx, input.CharacterRef)
	if err != nil {
		// A transport failure reads the same as a miss: the reference
		// could not be validated, so the create fails.
		return store.Guide{}, characterNotFound()
	}

	return store.Guide{
		CharacterID:   character.ID,
		CharacterName: character.Name,
		SubmitterName: submitter,
		Title:         title,
		Description:   description,
		ImagePath:     strings.TrimSpace(input.ImagePath),
	}, nil
}

// CreateGuideWithImage handles a multipart submission. Field validation and
// character resolution run before the image is stored, so a rejected
// submission never leaves an object behind; if the insert itself fails the
// stored image is removed best-effort.
func (s *Service) CreateGuideWithImage(ctx context.Context, input CreateGuideInput, reader io.Reader, size int64, contentType string) (GuideView, error) {
	if _, err := s.validateSubmission(ctx, input); err != nil {
		return GuideView{}, err
	}

	key, err := s.StoreImage(ctx, reader, size, contentType)
	if err != nil {
		return GuideView{}, err
	}

	input.ImagePath = key
	view, err := s.CreateGuide(ctx, input)
	if err != nil {
		if s.media != nil {
			_ = s.media.Remove(ctx, key)
		}
		return GuideView{}, err
	}
	return view, nil
}

// StoreImage enforces the intake rule and streams the image to the media
// store, returning the object key to submit as imagePath.
func (s *Service) StoreImage(ctx context.Context, reader io.Reader, size int64, contentType string) (string, error) {
	if s.media == nil {
		return "", domainError(503, "MEDIA_UNAVAILABLE", "Image storage not configured", nil)
	}
	key, err := s.media.Put(ctx, reader, size, contentType)
	if err != nil {
		if errors.Is(err, media.ErrUnsupportedFormat) {
			return "", unsupportedImage()
		}
		if errors.Is(err, media.ErrTooLarge) {
			return "", imageTooLarge()
		}
		return "", err
	}
	return key, nil
}

// PageGuides serves one page of guides in the given state, newest first.
// The snapshot is taken per call; pages are never cached, so a listing
// issued after a moderation action reflects it.
func (s *Service) PageGuides(ctx context.Context, state, characterRef string, page, pageSize int) (GuidePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	characterID := s.filterCharacterID(ctx, characterRef)

	totalCount, err := s.store.CountGuidesByState(ctx, state, characterID)
	if err != nil {
		return GuidePage{}, err
	}

	totalPages := int(math.Ceil(float64(totalCount) / float64(pageSize)))
	if totalPages < 1 {
		totalPages = 1
	}

	items := make([]GuideView, 0)
	if page <= totalPages && totalCount > 0 {
		guides, err := s.store.ListGuidesByState(ctx, state, characterID, pageSize, (page-1)*pageSize)
		if err != nil {
			return GuidePage{}, err
		}
		for _, guide := range guides {
			items = append(items, guideView(guide))
		}
	}

	return GuidePage{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		TotalCount: totalCount,
	}, nil
}

// filterCharacterID maps an optional character reference (id or name) to
// the id guides are stored under. An unresolvable reference is used as
// given; it simply matches nothing unless it already is an id.
func (s *Service) filterCharacterID(ctx context.Context, characterRef string) string {
	characterRef = strings.TrimSpace(characterRef)
	if characterRef == "" {
		return ""
	}
	if character, err := s.catalog.Resolve(ctx, characterRef); err == nil {
		return character.ID
	}
	return characterRef
}

// GetApprovedGuide returns a guide only if it is publicly visible.
func (s *Service) GetApprovedGuide(ctx context.Context, guideID string) (GuideView, error) {
	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		return GuideView{}, err
	}
	if guide.State != store.StateApproved {
		return GuideView{}, domainError(404, "NOT_FOUND", "Not found", nil)
	}
	return guideView(guide), nil
}

// ApproveGuide moves a pending guide to approved. The authorization check
// precedes any store access; the state check-and-set is atomic, so of N
// concurrent approvals exactly one succeeds and the rest fail with a
// transition error.
func (s *Service) ApproveGuide(ctx context.Context, credential, guideID string) (GuideView, error) {
	if _, err := s.adminSession(ctx, credential); err != nil {
		return GuideView{}, err
	}

	guide, err := s.store.TransitionGuide(ctx, guideID, store.StatePending, store.StateApproved)
	if err != nil {
		if store.IsNotFound(err) {
			return GuideView{}, transitionError()
		}
		return GuideView{}, err
	}

	if s.search != nil {
		s.search.IndexGuide(search.GuideRecord{
			ID:            guide.ID,
			Title:         guide.Title,
			Description:   guide.Description,
			CharacterID:   guide.CharacterID,
			CharacterName: guide.CharacterName,
			SubmitterName: guide.SubmitterName,
		})
	}
	return guideView(guide), nil
}

// RejectGuide removes a pending guide outright. Rejection is a delete:
// the record is gone from every listing, and its stored image is removed
// best-effort.
func (s *Service) RejectGuide(ctx context.Context, credential, guideID string) error {
	if _, err := s.adminSession(ctx, credential); err != nil {
		return err
	}

	guide, err := s.store.GetGuide(ctx, guideID)
	if err != nil {
		if store.IsNotFound(err) {
			return transitionError()
		}
		return err
	}

	removed, err := s.store.DeleteGuide(ctx, guideID, store.StatePending)
	if err != nil {
		return err
	}
	if !removed {
		// Lost the race, or the guide was already approved.
		return transitionError()
	}

	if s.media != nil && guide.ImagePath != "" {
		// Orphaned objects are tolerable; a failed cleanup never rolls
		// back the rejection.
		_ = s.media.Remove(ctx, guide.ImagePath)
	}
	return nil
}

// SearchGuides queries approved guides.
func (s *Service) SearchGuides(ctx context.Context, text, characterRef string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: text}
	}
	return s.search.Search(search.Query{
		Text:        text,
		CharacterID: s.filterCharacterID(ctx, characterRef),
		Limit:       limit,
		Offset:      offset,
	})
}

// Characters lists the cached catalog roster.
func (s *Service) Characters(ctx context.Context) ([]catalog.Character, error) {
	return s.catalog.List(ctx)
}

// Character resolves one catalog reference.
func (s *Service) Character(ctx context.Context, ref string) (catalog.Character, error) {
	return s.catalog.Resolve(ctx, ref)
}

func guideView(guide store.Guide) GuideView {
	return GuideView{
		ID:            guide.ID,
		CharacterID:   guide.CharacterID,
		CharacterName: guide.CharacterName,
		SubmitterName: guide.SubmitterName,
		Title:         guide.Title,
		Description:   guide.Description,
		ImagePath:     guide.ImagePath,
		State:         guide.State,
		CreatedAt:     guide.CreatedAt,
	}
}
