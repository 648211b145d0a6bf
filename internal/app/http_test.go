package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(svc *Service) *HTTPServer {
	return NewHTTPServer(svc, "*", 2<<20)
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))
	rr := doJSON(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := decodeJSON(t, rr); payload["ok"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	ms := newMemStore()
	server := newTestServer(newTestService(ms))

	rr := doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	ms.pingErr = fmt.Errorf("connection refused")
	rr = doJSON(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestSubmitAndModerateFlow(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := newTestServer(svc)

	// Login as the seeded admin rather than minting a token by hand.
	if err := svc.authpw.EnsureAdmin(context.Background(), "admin@example.com", "correct-horse-battery", "Admin"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	rr := doJSON(t, server, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "admin@example.com",
		"password": "correct-horse-battery",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	adminToken, _ := decodeJSON(t, rr)["accessToken"].(string)
	if adminToken == "" {
		t.Fatal("no access token in login response")
	}

	// Submit a guide for Klee.
	rr = doJSON(t, server, http.MethodPost, "/api/guides", "", map[string]string{
		"characterId": "Klee",
		"username":    "tester01",
		"title":       "My Test Build",
		"description": "A sturdy starter build with plenty of detail.",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d %s", rr.Code, rr.Body.String())
	}
	created := decodeJSON(t, rr)
	guideID, _ := created["id"].(string)
	if created["state"] != "pending" || guideID == "" {
		t.Fatalf("unexpected create payload %v", created)
	}

	// Not approved yet, so the public listing is empty.
	rr = doJSON(t, server, http.MethodGet, "/api/guides", "", nil)
	if payload := decodeJSON(t, rr); payload["totalCount"] != float64(0) {
		t.Fatalf("pending guide leaked into public listing: %v", payload)
	}

	// The moderation queue has it.
	rr = doJSON(t, server, http.MethodGet, "/api/guides/pending", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending listing failed: %d %s", rr.Code, rr.Body.String())
	}
	if payload := decodeJSON(t, rr); payload["totalCount"] != float64(1) {
		t.Fatalf("expected one pending guide: %v", payload)
	}

	// Approve it.
	rr = doJSON(t, server, http.MethodPatch, "/api/guides/"+guideID+"/approve", adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve failed: %d %s", rr.Code, rr.Body.String())
	}
	if payload := decodeJSON(t, rr); payload["state"] != "approved" {
		t.Fatalf("expected approved state: %v", payload)
	}

	// Now it is public and the queue is empty.
	rr = doJSON(t, server, http.MethodGet, "/api/guides", "", nil)
	payload := decodeJSON(t, rr)
	if payload["totalCount"] != float64(1) {
		t.Fatalf("approved guide missing from public listing: %v", payload)
	}
	rr = doJSON(t, server, http.MethodGet, "/api/guides/pending", adminToken, nil)
	if payload := decodeJSON(t, rr); payload["totalCount"] != float64(0) {
		t.Fatalf("queue not empty after approval: %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/guides/"+guideID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approved guide unreadable: %d", rr.Code)
	}
}

func TestRejectFlow(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := newTestServer(svc)
	adminToken := adminCredential(t, svc)

	first, err := svc.CreateGuide(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}
	second := validInput()
	second.Title = "Another Build"
	if _, err := svc.CreateGuide(context.Background(), second); err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}

	rr := doJSON(t, server, http.MethodDelete, "/api/guides/"+first.ID, adminToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reject failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodGet, "/api/guides/pending", adminToken, nil)
	if payload := decodeJSON(t, rr); payload["totalCount"] != float64(1) {
		t.Fatalf("expected one remaining pending guide: %v", payload)
	}

	rr = doJSON(t, server, http.MethodDelete, "/api/guides/"+first.ID, adminToken, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("repeat reject should conflict, got %d", rr.Code)
	}
}

func TestModerationRequiresCredential(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := newTestServer(svc)

	created, err := svc.CreateGuide(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}

	for name, rr := range map[string]*httptest.ResponseRecorder{
		"pending listing": doJSON(t, server, http.MethodGet, "/api/guides/pending", "", nil),
		"approve":         doJSON(t, server, http.MethodPatch, "/api/guides/"+created.ID+"/approve", "", nil),
		"reject":          doJSON(t, server, http.MethodDelete, "/api/guides/"+created.ID, "", nil),
	} {
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
		if payload := decodeJSON(t, rr); payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: unexpected error payload %v", name, payload)
		}
	}

	guide, err := ms.GetGuide(context.Background(), created.ID)
	if err != nil || guide.State != "pending" {
		t.Fatalf("unauthorized calls mutated the store: %+v err=%v", guide, err)
	}
}

func TestModerationRejectsViewerToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := newTestServer(svc)

	created, err := svc.CreateGuide(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}

	rr := doJSON(t, server, http.MethodPatch, "/api/guides/"+created.ID+"/approve", viewerCredential(t, svc), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for viewer token, got %d", rr.Code)
	}
}

func TestSubmitValidationError(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))

	rr := doJSON(t, server, http.MethodPost, "/api/guides", "", map[string]string{
		"characterId": "Klee",
		"username":    "ab",
		"title":       "My Test Build",
		"description": "A sturdy starter build with plenty of detail.",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["field"] != "username" {
		t.Fatalf("expected username field in details, got %v", payload)
	}
}

func TestSubmitUnknownCharacter(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))

	rr := doJSON(t, server, http.MethodPost, "/api/guides", "", map[string]string{
		"characterId": "nobody",
		"username":    "tester01",
		"title":       "My Test Build",
		"description": "A sturdy starter build with plenty of detail.",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	if payload := decodeJSON(t, rr); payload["code"] != "CHARACTER_NOT_FOUND" {
		t.Fatalf("expected CHARACTER_NOT_FOUND, got %v", payload)
	}
}

func multipartSubmission(t *testing.T, fields map[string]string, filename, fileContentType string, fileBody []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if filename != "" {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="picture"; filename=%q`, filename)}
		header["Content-Type"] = []string{fileContentType}
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(fileBody); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func guideFields() map[string]string {
	return map[string]string{
		"characterId": "Klee",
		"username":    "tester01",
		"title":       "My Test Build",
		"description": "A sturdy starter build with plenty of detail.",
	}
}

func TestMultipartSubmitWithImage(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	fm := newFakeMedia()
	svc.media = fm
	server := newTestServer(svc)

	body, contentType := multipartSubmission(t, guideFields(), "build.png", "image/png", []byte("png-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/guides", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON(t, rr)
	imagePath, _ := payload["imagePath"].(string)
	if imagePath == "" {
		t.Fatalf("no imagePath in response: %v", payload)
	}
	if fm.count() != 1 {
		t.Fatalf("expected one stored object, got %d", fm.count())
	}
}

func TestMultipartSubmitRejectsWebp(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	fm := newFakeMedia()
	svc.media = fm
	server := newTestServer(svc)

	body, contentType := multipartSubmission(t, guideFields(), "build.webp", "image/webp", []byte("webp-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/guides", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeJSON(t, rr); payload["code"] != "UNSUPPORTED_IMAGE" {
		t.Fatalf("expected UNSUPPORTED_IMAGE, got %v", payload)
	}
	if fm.count() != 0 {
		t.Fatal("webp bytes reached the media store")
	}
	if count, _ := ms.CountGuidesByState(context.Background(), "pending", ""); count != 0 {
		t.Fatal("guide persisted despite rejected image")
	}
}

func TestMultipartSubmitWithoutImage(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))

	body, contentType := multipartSubmission(t, guideFields(), "", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/guides", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload := decodeJSON(t, rr); payload["state"] != "pending" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestCharactersEndpoints(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))

	rr := doJSON(t, server, http.MethodGet, "/api/characters", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("characters listing failed: %d", rr.Code)
	}
	payload := decodeJSON(t, rr)
	characters, _ := payload["characters"].([]any)
	if len(characters) != 2 {
		t.Fatalf("expected 2 characters, got %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/characters/klee", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("character lookup failed: %d", rr.Code)
	}
	if payload := decodeJSON(t, rr); payload["name"] != "Klee" {
		t.Fatalf("unexpected character payload %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/characters/nobody", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown character, got %d", rr.Code)
	}
}

func TestSessionEndpointNeverErrors(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))

	rr := doJSON(t, server, http.MethodGet, "/api/session", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload := decodeJSON(t, rr); payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated, got %v", payload)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/session", "garbage-token", nil)
	if payload := decodeJSON(t, rr); payload["authenticated"] != false {
		t.Fatalf("garbage token should read unauthenticated, got %v", payload)
	}
}

func TestPublicGuideListingPagination(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	server := newTestServer(svc)
	adminToken := adminCredential(t, svc)

	for i := 0; i < 5; i++ {
		input := validInput()
		input.Title = fmt.Sprintf("Build Number %d", i)
		created, err := svc.CreateGuide(context.Background(), input)
		if err != nil {
			t.Fatalf("CreateGuide: %v", err)
		}
		if _, err := svc.ApproveGuide(context.Background(), adminToken, created.ID); err != nil {
			t.Fatalf("ApproveGuide: %v", err)
		}
	}

	rr := doJSON(t, server, http.MethodGet, "/api/guides?page=2&pageSize=2", "", nil)
	payload := decodeJSON(t, rr)
	if payload["totalCount"] != float64(5) || payload["totalPages"] != float64(3) || payload["page"] != float64(2) {
		t.Fatalf("pagination envelope wrong: %v", payload)
	}
	items, _ := payload["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items on page 2, got %d", len(items))
	}

	rr = doJSON(t, server, http.MethodGet, "/api/guides?page=not-a-number", "", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad page, got %d", rr.Code)
	}
}
