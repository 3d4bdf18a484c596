// offer is one half of a manual two-process ICE handshake demo. It gathers
// host candidates, sends its ufrag/password/candidates to the answer
// process over HTTP, receives the answer's session the same way, and once
// a pair is nominated sends a line of text through it every few seconds.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/psi-plus/iceagent/ice"
	"github.com/psi-plus/iceagent/icerr"
)

// session is the ufrag/password/candidate bundle exchanged out of band, in
// place of the SDP/Jingle envelope spec.md section 1 treats as an external
// collaborator.
type session struct {
	Ufrag      string              `json:"ufrag"`
	Password   string              `json:"password"`
	Candidates []ice.CandidateInfo `json:"candidates"`
}

func localHostAddrs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		out = append(out, ipnet.IP)
	}
	return out
}

func postSession(peerAddr string, s session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	resp, err := http.Post( //nolint:noctx
		fmt.Sprintf("http://%s/session", peerAddr),
		"application/json; charset=utf-8",
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func main() {
	offerAddr := flag.String("offer-address", ":50000", "Address this process's signaling HTTP server listens on.")
	answerAddr := flag.String("answer-address", "127.0.0.1:60000", "Address the answer process's signaling HTTP server is hosted on.")
	flag.Parse()

	var mu sync.Mutex
	var localCandidates []ice.CandidateInfo
	localReady := make(chan struct{})

	agent, err := ice.NewAgent(ice.Config{
		ComponentCount:       1,
		LocalAddrs:           localHostAddrs(),
		UseLocal:             true,
		AggressiveNomination: true,
	}, ice.Events{
		OnLocalCandidatesReady: func(candidates []*ice.LocalCandidate) {
			mu.Lock()
			for _, c := range candidates {
				localCandidates = append(localCandidates, c.CandidateInfo)
				fmt.Printf("gathered local candidate: %s %s\n", c.Type, c.Address)
			}
			mu.Unlock()
			close(localReady)
		},
		OnComponentReady: func(componentID int) {
			fmt.Printf("component %d ready, a pair has been nominated\n", componentID)
		},
		OnPeerData: func(componentID int, data []byte, from net.Addr) {
			fmt.Printf("component %d received from %s: %q\n", componentID, from, data)
		},
		OnError: func(err *icerr.Error) {
			fmt.Printf("agent error: %v\n", err)
		},
	})
	if err != nil {
		panic(err)
	}

	http.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) { //nolint: revive
		var remote session
		if decodeErr := json.NewDecoder(r.Body).Decode(&remote); decodeErr != nil {
			panic(decodeErr)
		}
		agent.SetRemoteCredentials(remote.Ufrag, remote.Password)
		for _, c := range remote.Candidates {
			agent.AddRemoteCandidate(c)
		}
	})
	// nolint: gosec
	go func() { panic(http.ListenAndServe(*offerAddr, nil)) }()

	if startErr := agent.Start(ice.RoleControlling); startErr != nil {
		panic(startErr)
	}
	defer agent.Stop()

	<-localReady
	ufrag, password := agent.LocalCredentials()
	mu.Lock()
	candidates := append([]ice.CandidateInfo{}, localCandidates...)
	mu.Unlock()

	fmt.Println("sending local session to the answer process")
	if sendErr := postSession(*answerAddr, session{Ufrag: ufrag, Password: password, Candidates: candidates}); sendErr != nil {
		panic(sendErr)
	}

	for range time.Tick(3 * time.Second) {
		if sendErr := agent.Send(1, []byte("hello from offer")); sendErr != nil {
			fmt.Printf("send failed (pair not nominated yet?): %v\n", sendErr)
		}
	}
}
