// answer is the other half of the manual two-process ICE handshake demo in
// ../offer: it waits for the offer's session, replies with its own, and
// once a pair is nominated echoes back whatever it receives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/psi-plus/iceagent/ice"
	"github.com/psi-plus/iceagent/icerr"
)

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

func main() { //nolint:gocognit
	offerAddr := flag.String("offer-address", "127.0.0.1:50000", "Address the offer process's signaling HTTP server is hosted on.")
	answerAddr := flag.String("answer-address", ":60000", "Address this process's signaling HTTP server listens on.")
	flag.Parse()

	var mu sync.Mutex
	var localCandidates []ice.CandidateInfo
	localReady := make(chan struct{})
	repliedOnce := false

	var agent *ice.Agent
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
			fmt.Printf("component %d received from %s: %q, echoing back\n", componentID, from, data)
			if sendErr := agent.Send(componentID, data); sendErr != nil {
				fmt.Printf("echo failed: %v\n", sendErr)
			}
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

		mu.Lock()
		alreadyReplied := repliedOnce
		repliedOnce = true
		mu.Unlock()
		if alreadyReplied {
			return
		}

		<-localReady
		ufrag, password := agent.LocalCredentials()
		mu.Lock()
		candidates := append([]ice.CandidateInfo{}, localCandidates...)
		mu.Unlock()

		fmt.Println("replying with local session")
		if sendErr := postSession(*offerAddr, session{Ufrag: ufrag, Password: password, Candidates: candidates}); sendErr != nil {
			panic(sendErr)
		}
	})

	if startErr := agent.Start(ice.RoleControlled); startErr != nil {
		panic(startErr)
	}
	defer agent.Stop()

	// nolint: gosec
	panic(http.ListenAndServe(*answerAddr, nil))
}
