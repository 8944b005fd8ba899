package misc

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"
)

var reqClient = &http.Client{Timeout: 30 * time.Second}

func Request(method, endpoint, reqData string, respData interface{}) error {
	var r *http.Request
	if reqData == "" {
		r, _ = http.NewRequest(method, endpoint, nil)
	} else {
		r, _ = http.NewRequest(method, endpoint, strings.NewReader(reqData))
	}
	r.Header.Add("Content-Type", "application/json")

	resp, err := reqClient.Do(r)
	if err != nil {
		log.Println("Error when hitting:", endpoint, err)
		return err
	}

	defer resp.Body.Close()

	if respData == nil {
		return nil
	}

	if err = json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		log.Println("Error when unmarshalling from:", endpoint, err)
		return err
	}
	return nil
}

func HttpGetJson(c *http.Client, endpoint string, out interface{}) (err error) {
	var resp *http.Response
	if resp, err = c.Get(endpoint); err != nil {
		return
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
