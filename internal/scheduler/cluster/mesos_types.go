package cluster

// JSON shapes of the Mesos v1 scheduler API used by MesosAdapter.

type mesosValue struct {
	Value string `json:"value"`
}

type mesosScalar struct {
	Value float64 `json:"value"`
}

type mesosResource struct {
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Scalar *mesosScalar `json:"scalar,omitempty"`
}

type mesosOffer struct {
	ID        mesosValue      `json:"id"`
	AgentID   mesosValue      `json:"agent_id"`
	Hostname  string          `json:"hostname"`
	Resources []mesosResource `json:"resources"`
	URL       *mesosURL       `json:"url,omitempty"`
}

// mesosURL is the agent's own endpoint.
type mesosURL struct {
	Scheme  string `json:"scheme"`
	Address struct {
		Hostname string `json:"hostname,omitempty"`
		IP       string `json:"ip,omitempty"`
		Port     int    `json:"port"`
	} `json:"address"`
}

type mesosTaskStatus struct {
	TaskID    mesosValue  `json:"task_id"`
	AgentID   *mesosValue `json:"agent_id,omitempty"`
	State     string      `json:"state"`
	Message   string      `json:"message,omitempty"`
	Source    string      `json:"source,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp float64     `json:"timestamp,omitempty"`
	UUID      string      `json:"uuid,omitempty"`
	Data      []byte      `json:"data,omitempty"`
}

type mesosEvent struct {
	Type       string `json:"type"`
	Subscribed *struct {
		FrameworkID              mesosValue `json:"framework_id"`
		HeartbeatIntervalSeconds float64    `json:"heartbeat_interval_seconds"`
	} `json:"subscribed,omitempty"`
	Offers *struct {
		Offers []mesosOffer `json:"offers"`
	} `json:"offers,omitempty"`
	Rescind *struct {
		OfferID mesosValue `json:"offer_id"`
	} `json:"rescind,omitempty"`
	Update *struct {
		Status mesosTaskStatus `json:"status"`
	} `json:"update,omitempty"`
	Failure *struct {
		AgentID    *mesosValue `json:"agent_id,omitempty"`
		ExecutorID *mesosValue `json:"executor_id,omitempty"`
	} `json:"failure,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type mesosEnvironment struct {
	Variables []mesosVariable `json:"variables"`
}

type mesosVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type mesosCommand struct {
	Value       string            `json:"value"`
	Shell       bool              `json:"shell"`
	Environment *mesosEnvironment `json:"environment,omitempty"`
}

type mesosDocker struct {
	Image string `json:"image"`
}

type mesosContainer struct {
	Type   string       `json:"type"`
	Docker *mesosDocker `json:"docker,omitempty"`
}

type mesosTaskInfo struct {
	Name      string          `json:"name"`
	TaskID    mesosValue      `json:"task_id"`
	AgentID   mesosValue      `json:"agent_id"`
	Resources []mesosResource `json:"resources"`
	Command   mesosCommand    `json:"command"`
	Container *mesosContainer `json:"container,omitempty"`
}

type mesosLaunch struct {
	TaskInfos []mesosTaskInfo `json:"task_infos"`
}

type mesosOperation struct {
	Type   string      `json:"type"`
	Launch mesosLaunch `json:"launch"`
}

type mesosFilters struct {
	RefuseSeconds float64 `json:"refuse_seconds"`
}

type mesosTaskRef struct {
	TaskID  mesosValue  `json:"task_id"`
	AgentID *mesosValue `json:"agent_id,omitempty"`
}

type mesosFrameworkInfo struct {
	User            string      `json:"user"`
	Name            string      `json:"name"`
	ID              *mesosValue `json:"id,omitempty"`
	Role            string      `json:"role,omitempty"`
	FailoverTimeout float64     `json:"failover_timeout"`
	Checkpoint      bool        `json:"checkpoint"`
}

type mesosSubscribe struct {
	FrameworkInfo mesosFrameworkInfo `json:"framework_info"`
}

type mesosAccept struct {
	OfferIDs   []mesosValue     `json:"offer_ids"`
	Operations []mesosOperation `json:"operations"`
	Filters    mesosFilters     `json:"filters"`
}

type mesosDecline struct {
	OfferIDs []mesosValue `json:"offer_ids"`
	Filters  mesosFilters `json:"filters"`
}

type mesosKill struct {
	TaskID  mesosValue  `json:"task_id"`
	AgentID *mesosValue `json:"agent_id,omitempty"`
}

type mesosReconcile struct {
	Tasks []mesosTaskRef `json:"tasks"`
}

type mesosAcknowledge struct {
	AgentID mesosValue `json:"agent_id"`
	TaskID  mesosValue `json:"task_id"`
	UUID    string     `json:"uuid"`
}

type mesosCall struct {
	FrameworkID *mesosValue       `json:"framework_id,omitempty"`
	Type        string            `json:"type"`
	Subscribe   *mesosSubscribe   `json:"subscribe,omitempty"`
	Accept      *mesosAccept      `json:"accept,omitempty"`
	Decline     *mesosDecline     `json:"decline,omitempty"`
	Kill        *mesosKill        `json:"kill,omitempty"`
	Reconcile   *mesosReconcile   `json:"reconcile,omitempty"`
	Acknowledge *mesosAcknowledge `json:"acknowledge,omitempty"`
}
