package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindspark/api/internal/artifact"
	"mindspark/api/internal/auth"
	"mindspark/api/internal/config"
	"mindspark/api/internal/fetch"
	"mindspark/api/internal/rbac"
	"mindspark/api/internal/realtime"
	"mindspark/api/internal/store"
	"mindspark/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	Sub       string
	Email     string
	UserType  string
	JTI       string
	ExpiresAt time.Time
}

type ProfileInput struct {
	GradeLevel string `json:"grade_level"`
	Language   string `json:"language"`
	Gender     string `json:"gender"`
}

type CreateLearningSpaceInput struct {
	Title string `json:"title"`
}

// PublishMindmapInput carries either the artifact URL or the rendered HTML
// to store first.
type PublishMindmapInput struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

type dataStore interface {
	GetUserBySub(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertUser(context.Context, store.User) (store.User, error)
	GetStudentProfile(context.Context, string) (store.StudentProfile, error)
	InsertStudentProfile(context.Context, store.StudentProfile) (store.StudentProfile, error)
	UpdateStudentProfile(context.Context, store.StudentProfile) (store.StudentProfile, error)
	GetLearningSpace(context.Context, string) (store.LearningSpace, error)
	ListLearningSpaces(context.Context, string) ([]store.LearningSpace, error)
	InsertLearningSpace(context.Context, store.LearningSpace) (store.LearningSpace, error)
	SetLearningSpaceMindmap(context.Context, string, string) (store.LearningSpace, error)
	Ping(ctx context.Context) error
}

type artifactStore interface {
	UploadMindmap(ctx context.Context, spaceID, html string) (artifact.Uploaded, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	feed      realtime.Feed
	fetcher   fetch.Fetcher
	artifacts artifactStore
	logger    *zap.Logger
	views     *viewRegistry
	// publishOnWrite is off when the Postgres trigger relay already turns
	// every mindmap write into a change event.
	publishOnWrite bool
}

func New(cfg config.Config, dataStore *store.PostgresStore, feed realtime.Feed, fetcher fetch.Fetcher, artifacts *artifact.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Service{
		cfg:            cfg,
		store:          dataStore,
		feed:           feed,
		fetcher:        fetcher,
		logger:         logger,
		views:          newViewRegistry(),
		publishOnWrite: !cfg.ListenPostgres,
	}
	if artifacts != nil {
		svc.artifacts = artifacts
	}
	return svc
}

func (s *Service) Logger() *zap.Logger {
	return s.logger
}

// SessionFromToken verifies the identity token and makes sure a user row
// exists for it.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.EnsureUser(ctx, claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Sub:       user.Sub,
		Email:     user.Email,
		UserType:  user.UserType,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// EnsureUser returns the user for the identity, creating a student on first
// sight.
func (s *Service) EnsureUser(ctx context.Context, claims auth.Claims) (store.User, error) {
	user, err := s.store.GetUserBySub(ctx, claims.Sub)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	created, err := s.store.InsertUser(ctx, store.User{
		ID:        util.NewID("usr"),
		Sub:       claims.Sub,
		Email:     claims.Email,
		FirstName: optionalString(claims.FirstName),
		LastName:  optionalString(claims.LastName),
		UserType:  string(rbac.UserStudent),
	})
	if err != nil {
		return store.User{}, err
	}
	s.logger.Info("created user", zap.String("user_id", created.ID), zap.String("sub", created.Sub))
	return created, nil
}

func (s *Service) Can(userType string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(userType), action)
}

func (s *Service) GetProfile(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	var profile any
	studentProfile, err := s.store.GetStudentProfile(ctx, user.ID)
	switch {
	case err == nil:
		profile = profilePayload(studentProfile)
	case errors.Is(err, sql.ErrNoRows):
		profile = nil
	default:
		return nil, err
	}
	return map[string]any{
		"user":           userPayload(user),
		"studentProfile": profile,
		"summary": map[string]any{
			"fullName":          FullName(user),
			"initials":          Initials(user),
			"profileIncomplete": profile == nil,
		},
	}, nil
}

// SaveProfile updates the student profile, inserting it on first save.
func (s *Service) SaveProfile(ctx context.Context, session Session, input ProfileInput) (map[string]any, error) {
	input.GradeLevel = strings.TrimSpace(input.GradeLevel)
	input.Language = strings.TrimSpace(input.Language)
	input.Gender = strings.TrimSpace(input.Gender)
	if input.GradeLevel == "" || input.Language == "" || input.Gender == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Missing required fields", nil)
	}

	profile := store.StudentProfile{
		UserID:     session.UserID,
		GradeLevel: input.GradeLevel,
		Language:   input.Language,
		Gender:     input.Gender,
	}

	_, err := s.store.GetStudentProfile(ctx, session.UserID)
	var saved store.StudentProfile
	switch {
	case err == nil:
		saved, err = s.store.UpdateStudentProfile(ctx, profile)
	case errors.Is(err, sql.ErrNoRows):
		profile.ID = util.NewID("sp")
		saved, err = s.store.InsertStudentProfile(ctx, profile)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "data": profilePayload(saved)}, nil
}

func (s *Service) ListLearningSpaces(ctx context.Context, session Session) ([]map[string]any, error) {
	spaces, err := s.store.ListLearningSpaces(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(spaces))
	for _, space := range spaces {
		items = append(items, spacePayload(space))
	}
	return items, nil
}

func (s *Service) CreateLearningSpace(ctx context.Context, session Session, input CreateLearningSpaceInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	space, err := s.store.InsertLearningSpace(ctx, store.LearningSpace{
		ID:     util.NewID("ls"),
		UserID: session.UserID,
		Title:  title,
	})
	if err != nil {
		return nil, err
	}
	return spacePayload(space), nil
}

func (s *Service) GetLearningSpace(ctx context.Context, session Session, spaceID string) (map[string]any, error) {
	space, err := s.visibleSpace(ctx, session, spaceID)
	if err != nil {
		return nil, err
	}
	return spacePayload(space), nil
}

// visibleSpace loads a space the session may see. Spaces of other students
// look missing rather than forbidden.
func (s *Service) visibleSpace(ctx context.Context, session Session, spaceID string) (store.LearningSpace, error) {
	space, err := s.store.GetLearningSpace(ctx, spaceID)
	if err != nil {
		return store.LearningSpace{}, err
	}
	if space.UserID != session.UserID && !s.Can(session.UserType, rbac.ActionViewAnySpace) {
		return store.LearningSpace{}, notFoundError("NOT_FOUND", "Learning space not found")
	}
	return space, nil
}

// PublishMindmap records the artifact of a finished generation job. HTML is
// uploaded to artifact storage first; a URL is stored as is.
func (s *Service) PublishMindmap(ctx context.Context, spaceID string, input PublishMindmapInput) (map[string]any, error) {
	rawURL := strings.TrimSpace(input.URL)
	html := input.HTML
	hasHTML := strings.TrimSpace(html) != ""
	if (rawURL == "") == !hasHTML {
		return nil, validationError("exactly one of url or html is required")
	}

	if hasHTML {
		if s.artifacts == nil {
			return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Artifact storage is not configured", nil)
		}
		if _, err := s.store.GetLearningSpace(ctx, spaceID); err != nil {
			return nil, err
		}
		uploaded, err := s.artifacts.UploadMindmap(ctx, spaceID, html)
		if err != nil {
			return nil, err
		}
		s.logger.Info("uploaded mindmap artifact",
			zap.String("space_id", spaceID),
			zap.String("object", uploaded.ObjectName),
			zap.Int64("bytes", uploaded.Size),
		)
		rawURL = uploaded.PublicURL
	} else if !isAbsoluteHTTPURL(rawURL) {
		return nil, validationError("url must be an absolute http(s) url")
	}

	space, err := s.store.SetLearningSpaceMindmap(ctx, spaceID, rawURL)
	if err != nil {
		return nil, err
	}

	if s.publishOnWrite && s.feed != nil {
		if err := s.feed.Publish(ctx, spaceChangeEvent(space)); err != nil {
			s.logger.Warn("publish mindmap change", zap.String("space_id", spaceID), zap.Error(err))
		}
	}
	return spacePayload(space), nil
}

func (s *Service) JobTokenValid(presented string) bool {
	return auth.SecretMatches(s.cfg.JobToken, strings.TrimSpace(presented))
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close stops every open mind-map view.
func (s *Service) Close() {
	s.views.closeAll()
}

func spaceChangeEvent(space store.LearningSpace) realtime.ChangeEvent {
	record := map[string]any{
		"id":      space.ID,
		"user_id": space.UserID,
		"title":   space.Title,
		"mindmap": nil,
	}
	if space.Mindmap != nil {
		record["mindmap"] = *space.Mindmap
	}
	return realtime.ChangeEvent{
		Type:     realtime.EventUpdate,
		Table:    realtime.TableLearningSpace,
		RecordID: space.ID,
		New:      record,
	}
}

// FullName prefers "first last", then whichever name is set, then the local
// part of the email address.
func FullName(user store.User) string {
	first, last := deref(user.FirstName), deref(user.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	default:
		local, _, _ := strings.Cut(user.Email, "@")
		return local
	}
}

func Initials(user store.User) string {
	first, last := deref(user.FirstName), deref(user.LastName)
	var initials string
	switch {
	case first != "" && last != "":
		initials = firstRune(first) + firstRune(last)
	case first != "":
		initials = firstRune(first)
	case last != "":
		initials = firstRune(last)
	default:
		initials = firstRune(user.Email)
	}
	return strings.ToUpper(initials)
}

func firstRune(value string) string {
	for _, r := range value {
		return string(r)
	}
	return ""
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"sub":        user.Sub,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"user_type":  user.UserType,
		"created_at": user.CreatedAt,
	}
}

func profilePayload(profile store.StudentProfile) map[string]any {
	return map[string]any{
		"id":          profile.ID,
		"user_id":     profile.UserID,
		"grade_level": profile.GradeLevel,
		"language":    profile.Language,
		"gender":      profile.Gender,
		"updated_at":  profile.UpdatedAt,
	}
}

func spacePayload(space store.LearningSpace) map[string]any {
	return map[string]any{
		"id":         space.ID,
		"user_id":    space.UserID,
		"title":      space.Title,
		"mindmap":    space.Mindmap,
		"created_at": space.CreatedAt,
		"updated_at": space.UpdatedAt,
	}
}

func isAbsoluteHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
