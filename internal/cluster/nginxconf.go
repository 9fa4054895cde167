package cluster

import (
	"bytes"
	"fmt"
	"text/template"
)

// nginxConfTemplate is the sidecar's routing table. Outbound traffic from the
// analysis is allow-listed to its own pod IP per location; the only inbound
// route (/analysis) is restricted to the message broker and this orchestrator.
var nginxConfTemplate = template.Must(template.New("nginx.conf").Parse(`worker_processes 1;
events { worker_connections 1024; }
http {
    sendfile on;

    server {
        listen 80;

        client_max_body_size 0;
        chunked_transfer_encoding on;

        proxy_redirect off;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;

        # health check
        location /healthz {
            return 200 'healthy';
        }
        # analysis to kong
        location /kong {
            rewrite     ^/kong(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.KongProxyService}};
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        # analysis to result service
        location ~ ^/storage/(final|local|intermediate) {
            rewrite     ^/storage(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.ResultService}}:8080;
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        # analysis to hub adapter
        location /hub-adapter/kong/datastore/{{.ProjectID}} {
            rewrite     ^/hub-adapter(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.HubAdapterService}}:5000;
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        # analysis to message broker
        location /message-broker/analyses/{{.AnalysisID}}/participants {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.MessageBrokerService}};
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        location /message-broker/analyses/{{.AnalysisID}}/messages {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.MessageBrokerService}};
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        location /message-broker/healthz {
            rewrite     ^/message-broker(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.MessageBrokerService}};
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        # analysis to this orchestrator
        location /po/stream_logs {
            proxy_pass  http://{{.Endpoints.POService}}:8000;
            allow       {{.Endpoints.AnalysisPodIP}};
            deny        all;
        }
        # message broker and orchestrator to analysis
        location /analysis {
            rewrite     ^/analysis(/.*) $1 break;
            proxy_pass  http://{{.Endpoints.AnalysisService}};
            allow       {{.Endpoints.MessageBrokerPodIP}};
            allow       {{.Endpoints.POPodIP}};
            deny        all;
        }
    }
}
`))

type nginxConfInput struct {
	Endpoints  *ProxyEndpoints
	AnalysisID string
	ProjectID  string
}

func renderNginxConf(ep *ProxyEndpoints, analysisID, projectID string) (string, error) {
	var buf bytes.Buffer
	err := nginxConfTemplate.Execute(&buf, nginxConfInput{Endpoints: ep, AnalysisID: analysisID, ProjectID: projectID})
	if err != nil {
		return "", fmt.Errorf("failed to render nginx config: %w", err)
	}
	return buf.String(), nil
}
