package mimicry_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/sardanioss/mimicry"
	"github.com/sardanioss/mimicry/client"
	"github.com/sardanioss/mimicry/redirect"
)

func exampleServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/headers", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "X-Request-Id: %s", r.Header.Get("X-Request-Id"))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s", r.Header.Get("Content-Type"), body)
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/headers", http.StatusFound)
	})
	return httptest.NewServer(mux)
}

func Example() {
	srv := exampleServer()
	defer srv.Close()

	c, err := mimicry.New("chrome131", mimicry.WithTimeout(10*time.Second))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL+"/headers", http.Header{"X-Request-Id": {"12345"}})
	if err != nil {
		fmt.Println(err)
		return
	}
	text, _ := resp.Text()
	fmt.Println(resp.StatusCode, resp.Protocol)
	fmt.Println(text)
	// Output:
	// 200 HTTP/1.1
	// X-Request-Id: 12345
}

func ExampleClient_Post() {
	srv := exampleServer()
	defer srv.Close()

	c, err := mimicry.New("firefox120")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close()

	resp, err := c.Post(context.Background(), srv.URL+"/post",
		strings.NewReader(`{"name":"mimicry"}`),
		http.Header{"Content-Type": {"application/json"}})
	if err != nil {
		fmt.Println(err)
		return
	}
	text, _ := resp.Text()
	fmt.Println(text)
	// Output: application/json {"name":"mimicry"}
}

func ExampleClient_Do_redirects() {
	srv := exampleServer()
	defer srv.Close()

	c, err := mimicry.New("safari16")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer c.Close()

	resp, err := c.Do(context.Background(), client.NewRequest(http.MethodGet, srv.URL+"/redirect", nil))
	if err != nil {
		fmt.Println(err)
		return
	}
	resp.Close()
	fmt.Println(resp.StatusCode, resp.URL.Path, len(resp.History))

	none := redirect.None()
	req := client.NewRequest(http.MethodGet, srv.URL+"/redirect", nil)
	req.Redirect = &none
	resp, err = c.Do(context.Background(), req)
	if err != nil {
		fmt.Println(err)
		return
	}
	resp.Close()
	fmt.Println(resp.StatusCode, resp.Header.Get("Location"))
	// Output:
	// 200 /headers 1
	// 302 /headers
}

func ExampleLookupProfile() {
	p, err := mimicry.LookupProfile("chrome131-macos")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(p.Name(), p.OS())
	// Output: chrome131 macos
}
