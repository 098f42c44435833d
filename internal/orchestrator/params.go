package orchestrator

import "encoding/json"

func paramsToJSON(params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func paramsFromJSON(paramsJSON string) (map[string]string, error) {
	params := make(map[string]string)
	if paramsJSON == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, err
	}
	return params, nil
}
