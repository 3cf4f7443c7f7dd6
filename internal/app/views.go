package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"mindspark/api/internal/mindmap"
	"mindspark/api/internal/util"
)

// MindmapView is one open mind-map panel, backed by its own controller.
type MindmapView struct {
	ID      string
	SpaceID string
	UserID  string
	ctrl    *mindmap.Controller
}

func (v *MindmapView) State() mindmap.State {
	return v.ctrl.State()
}

func (v *MindmapView) Updates() <-chan mindmap.State {
	return v.ctrl.Updates()
}

type viewRegistry struct {
	mu    sync.Mutex
	views map[string]*MindmapView
}

func newViewRegistry() *viewRegistry {
	return &viewRegistry{views: make(map[string]*MindmapView)}
}

func (r *viewRegistry) add(view *MindmapView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[view.ID] = view
}

func (r *viewRegistry) get(viewID string) (*MindmapView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[viewID]
	return view, ok
}

func (r *viewRegistry) remove(viewID string) (*MindmapView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[viewID]
	delete(r.views, viewID)
	return view, ok
}

func (r *viewRegistry) closeAll() {
	r.mu.Lock()
	views := make([]*MindmapView, 0, len(r.views))
	for id, view := range r.views {
		views = append(views, view)
		delete(r.views, id)
	}
	r.mu.Unlock()
	for _, view := range views {
		view.ctrl.Teardown()
	}
}

func (r *viewRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// OpenMindmapView starts a controller for the space. It lives until ctx ends
// or CloseMindmapView is called.
func (s *Service) OpenMindmapView(ctx context.Context, session Session, spaceID string) (*MindmapView, error) {
	space, err := s.visibleSpace(ctx, session, spaceID)
	if err != nil {
		return nil, err
	}

	ctrl := mindmap.New(space.ID, space.MindmapURL(), mindmap.Options{
		Feed:       s.feed,
		Fetcher:    s.fetcher,
		Logger:     s.logger,
		FetchDelay: s.cfg.MindmapFetchDelay,
	})
	if err := ctrl.Start(ctx); err != nil {
		var subErr *mindmap.SubscriptionError
		if !errors.As(err, &subErr) {
			ctrl.Teardown()
			return nil, err
		}
		// Already logged by the controller; the view still shows its state.
	}

	view := &MindmapView{
		ID:      util.NewID("view"),
		SpaceID: space.ID,
		UserID:  session.UserID,
		ctrl:    ctrl,
	}
	s.views.add(view)

	// The artifact may have been published between the read above and the
	// subscription; re-read once so that change is not lost.
	if space.MindmapURL() == "" {
		if latest, err := s.store.GetLearningSpace(ctx, space.ID); err == nil && latest.MindmapURL() != "" {
			ctrl.OnChange(spaceChangeEvent(latest))
		}
	}

	s.logger.Debug("opened mindmap view", zap.String("view_id", view.ID), zap.String("space_id", space.ID))
	return view, nil
}

func (s *Service) lookupView(session Session, spaceID, viewID string) (*MindmapView, error) {
	view, ok := s.views.get(viewID)
	if !ok || view.SpaceID != spaceID || view.UserID != session.UserID {
		return nil, notFoundError("VIEW_NOT_FOUND", "Mindmap view not found")
	}
	return view, nil
}

func (s *Service) MindmapViewState(session Session, spaceID, viewID string) (mindmap.State, error) {
	view, err := s.lookupView(session, spaceID, viewID)
	if err != nil {
		return mindmap.State{}, err
	}
	return view.State(), nil
}

// RetryMindmapView refetches the artifact of an open view and returns the
// state as of the retry (Loading for a Ready view). The outcome of the fetch
// arrives on the view's stream. It is a no-op while the mind map is still
// generating.
func (s *Service) RetryMindmapView(session Session, spaceID, viewID string) (mindmap.State, error) {
	view, err := s.lookupView(session, spaceID, viewID)
	if err != nil {
		return mindmap.State{}, err
	}
	state, ok := view.ctrl.RetryState()
	if !ok {
		return mindmap.State{}, domainError(http.StatusGone, "VIEW_CLOSED", "Mindmap view is closed", nil)
	}
	return state, nil
}

func (s *Service) CloseMindmapView(viewID string) {
	view, ok := s.views.remove(viewID)
	if !ok {
		return
	}
	view.ctrl.Teardown()
	s.logger.Debug("closed mindmap view", zap.String("view_id", viewID), zap.String("space_id", view.SpaceID))
}
