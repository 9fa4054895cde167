// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
)

// fakeKeycloak implements just enough of the token and admin APIs.
type fakeKeycloak struct {
	clients map[string]string // clientId -> uuid
	secrets map[string]string // uuid -> secret
	tokens  int
}

func newFakeKeycloak() *fakeKeycloak {
	return &fakeKeycloak{clients: map[string]string{}, secrets: map[string]string{}}
}

func (f *fakeKeycloak) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/flame/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokens++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", f.tokens),
			"token_type":   "bearer",
			"expires_in":   300,
		})
	})
	mux.HandleFunc("GET /admin/realms/flame/clients", func(w http.ResponseWriter, r *http.Request) {
		var reps []map[string]string
		want := r.URL.Query().Get("clientId")
		for clientID, uuid := range f.clients {
			if want == "" || want == clientID {
				reps = append(reps, map[string]string{"id": uuid, "clientId": clientID})
			}
		}
		_ = json.NewEncoder(w).Encode(reps)
	})
	mux.HandleFunc("POST /admin/realms/flame/clients", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		clientID := body["clientId"].(string)
		uuid := "uuid-" + clientID
		f.clients[clientID] = uuid
		f.secrets[uuid] = "secret-" + clientID
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /admin/realms/flame/clients/{id}/client-secret", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"value": f.secrets[r.PathValue("id")]})
	})
	mux.HandleFunc("DELETE /admin/realms/flame/clients/{id}", func(w http.ResponseWriter, r *http.Request) {
		for clientID, uuid := range f.clients {
			if uuid == r.PathValue("id") {
				delete(f.clients, clientID)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

// fakeKong records consumers, acl groups and issued keys.
type fakeKong struct {
	consumers map[string]bool
	acls      map[string]string
	keys      int
}

func newFakeKong() *fakeKong {
	return &fakeKong{consumers: map[string]bool{}, acls: map[string]string{}}
}

func (f *fakeKong) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /consumers", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if f.consumers[body["username"]] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.consumers[body["username"]] = true
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /consumers/{user}/acls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.acls[r.PathValue("user")] = body["group"]
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /consumers/{user}/key-auth", func(w http.ResponseWriter, r *http.Request) {
		f.keys++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"key": fmt.Sprintf("key-%d", f.keys)})
	})
	mux.HandleFunc("DELETE /consumers/{user}", func(w http.ResponseWriter, r *http.Request) {
		if !f.consumers[r.PathValue("user")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.consumers, r.PathValue("user"))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestBroker(t *testing.T) (*Broker, *fakeKeycloak, *fakeKong) {
	kc := newFakeKeycloak()
	kong := newFakeKong()
	kcServer := httptest.NewServer(kc.handler())
	kongServer := httptest.NewServer(kong.handler())
	t.Cleanup(kcServer.Close)
	t.Cleanup(kongServer.Close)
	keycloak := NewKeycloak(kcServer.URL, "flame", "po-admin", "pw", kcServer.Client(), logr.Discard())
	return NewBroker(keycloak, NewKong(kongServer.URL, kongServer.Client(), logr.Discard()), logr.Discard()), kc, kong
}

func TestIssueProvisionsFullIdentity(t *testing.T) {
	g := NewWithT(t)
	broker, kc, kong := newTestBroker(t)

	creds, err := broker.Issue(context.Background(), "a1", "p1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(creds.KeycloakToken).To(HavePrefix("token-"))
	g.Expect(creds.DataSourceToken).To(Equal("key-1"))
	g.Expect(kc.clients).To(HaveKey("flame-a1"))
	g.Expect(kong.consumers).To(HaveKey("a1"))
	g.Expect(kong.acls).To(HaveKeyWithValue("a1", "p1"))
}

func TestIssueIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	broker, kc, kong := newTestBroker(t)
	ctx := context.Background()

	_, err := broker.Issue(ctx, "a1", "p1")
	g.Expect(err).ToNot(HaveOccurred())
	creds, err := broker.Issue(ctx, "a1", "p1")
	g.Expect(err).ToNot(HaveOccurred())

	g.Expect(kc.clients).To(HaveLen(1), "client must be reused, not duplicated")
	g.Expect(kong.consumers).To(HaveLen(1))
	g.Expect(creds.DataSourceToken).To(Equal("key-2"), "key is re-minted per launch")
}

func TestMintTokenReturnsFreshToken(t *testing.T) {
	g := NewWithT(t)
	broker, _, _ := newTestBroker(t)
	ctx := context.Background()

	first, err := broker.MintToken(ctx, "a1")
	g.Expect(err).ToNot(HaveOccurred())
	second, err := broker.MintToken(ctx, "a1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(second).ToNot(Equal(first))
}

func TestRevokeToleratesMissingIdentity(t *testing.T) {
	g := NewWithT(t)
	broker, _, _ := newTestBroker(t)
	g.Expect(broker.Revoke(context.Background(), "never-launched")).To(Succeed())
}

func TestRevokeRemovesBothHalves(t *testing.T) {
	g := NewWithT(t)
	broker, kc, kong := newTestBroker(t)
	ctx := context.Background()

	_, err := broker.Issue(ctx, "a1", "p1")
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(broker.Revoke(ctx, "a1")).To(Succeed())
	g.Expect(kc.clients).To(BeEmpty())
	g.Expect(kong.consumers).To(BeEmpty())
}

func TestOrphanedClients(t *testing.T) {
	g := NewWithT(t)
	broker, _, _ := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := broker.Issue(ctx, id, "p1")
		g.Expect(err).ToNot(HaveOccurred())
	}

	orphans, err := broker.OrphanedClients(ctx, map[string]struct{}{"a2": {}})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(orphans).To(ConsistOf("a1", "a3"))
}

func TestClientNamePrefix(t *testing.T) {
	g := NewWithT(t)
	g.Expect(ClientName("a1")).To(Equal("flame-a1"))
	g.Expect(strings.HasPrefix(ClientName("a1"), ClientPrefix)).To(BeTrue())
}
