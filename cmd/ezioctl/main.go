// ezioctl drives a running ezio daemon over its control API.
//
//	ezioctl add -f image.torrent -d /dev/sda1 [-seed]
//	ezioctl status
//	ezioctl pause <hash>
//	ezioctl resume <hash>
//	ezioctl version
//	ezioctl shutdown
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/tjjh89017/ezio/internal/daemon"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:50051", "Control API base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	var err error
	switch args[0] {
	case "add":
		err = cmdAdd(*server, args[1:])
	case "status":
		err = cmdStatus(*server)
	case "pause":
		err = cmdTorrentAction(*server, "pause", args[1:])
	case "resume":
		err = cmdTorrentAction(*server, "resume", args[1:])
	case "version":
		err = cmdVersion(*server)
	case "shutdown":
		err = post(*server+"/shutdown", nil, nil)
	default:
		usage()
	}

	if err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ezioctl [-server URL] add|status|pause|resume|version|shutdown ...")
	os.Exit(2)
}

func cmdAdd(server string, args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	file := fs.String("f", "", "Torrent file")
	device := fs.String("d", "", "Target device or image path")
	seed := fs.Bool("seed", false, "Seed existing device content")
	maxUploads := fs.Int("max-uploads", 4, "Max uploads")
	maxConnections := fs.Int("max-connections", 6, "Max connections")
	fs.Parse(args)

	if *file == "" || *device == "" {
		fs.Usage()
		os.Exit(2)
	}

	body, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	req := map[string]any{
		"torrent":         base64.StdEncoding.EncodeToString(body),
		"save_path":       *device,
		"seeding_mode":    *seed,
		"max_uploads":     *maxUploads,
		"max_connections": *maxConnections,
	}

	var resp struct {
		Hash string `json:"hash"`
	}
	if err := post(server+"/torrents", req, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Hash)
	return nil
}

func cmdStatus(server string) error {
	resp, err := http.Get(server + "/torrents")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	var payload struct {
		Torrents map[string]daemon.TorrentStatus `json:"torrents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	for hash, st := range payload.Torrents {
		fmt.Printf("%s %s %.1f%% %d/%d peers=%d down=%dB/s up=%dB/s paused=%v\n",
			hash, st.Name, st.Progress*100, st.TotalDone, st.Total, st.NumPeers,
			st.DownloadRate, st.UploadRate, st.IsPaused)
	}
	return nil
}

func cmdTorrentAction(server, action string, args []string) error {
	if len(args) != 1 {
		usage()
	}
	return post(fmt.Sprintf("%s/torrents/%s/%s", server, args[0], action), nil, nil)
}

func cmdVersion(server string) error {
	resp, err := http.Get(server + "/version")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	io.Copy(os.Stdout, resp.Body)
	return nil
}

func post(url string, req, out any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return httpError(resp)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
}
